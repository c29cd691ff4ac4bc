package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Control message actions understood by the quote source.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionHeartbeat   = "heartbeat"
)

type ControlMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
}

// StreamConn is one live upstream streaming connection.
type StreamConn interface {
	WriteJSON(v interface{}) error
	ReadMessage() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (StreamConn, error)
}

// StreamDialer opens the vendor stream over gorilla/websocket.
type StreamDialer struct {
	url       string
	apiKey    string
	dialer    *websocket.Dialer
	writeWait time.Duration
}

func NewStreamDialer(rawURL, apiKey string) *StreamDialer {
	return &StreamDialer{
		url:    rawURL,
		apiKey: apiKey,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		writeWait: 5 * time.Second,
	}
}

func (d *StreamDialer) Dial(ctx context.Context) (StreamConn, error) {
	target := d.url
	if d.apiKey != "" {
		u, err := url.Parse(d.url)
		if err != nil {
			return nil, fmt.Errorf("parse stream url: %w", err)
		}
		q := u.Query()
		q.Set("apikey", d.apiKey)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	conn, _, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream %s: %w", d.url, err)
	}
	return &wsConn{conn: conn, writeWait: d.writeWait}, nil
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/auth"
	"github.com/shubham-shewale/marketstream/cmd/gateway/internal/hub"
)

const (
	maxMessageSize    = 512 * 1024
	defaultSendBuffer = 256
)

var (
	errFrameTooLarge = errors.New("frame exceeds size limit")
	errFragmented    = errors.New("fragmented frames are not supported")
)

// Client adapts one upgraded connection to hub.ClientInterface.
type Client struct {
	id     string
	conn   net.Conn
	hub    *hub.Hub
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	closeMu   sync.Mutex
	closeBody []byte // status sent in the close frame, if any

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		logger:     logger,
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

// Start registers the session and runs the pumps.
func (c *Client) Start(id auth.Identity) {
	c.hub.Register(c, id)
	go c.writePump()
	go c.readPump()
}

func (c *Client) ID() string { return c.id }

// Close stops the write pump, which closes the connection.
func (c *Client) Close() { c.once.Do(func() { close(c.done) }) }

// Send enqueues without blocking; a full queue drops the message.
func (c *Client) Send(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// closeWith records the close status and stops the write pump, which sends it.
func (c *Client) closeWith(code ws.StatusCode, reason string) {
	c.closeMu.Lock()
	if c.closeBody == nil {
		c.closeBody = ws.NewCloseFrameBody(code, reason)
	}
	c.closeMu.Unlock()
	c.Close()
}

func (c *Client) closeFrame() []byte {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeBody == nil {
		return ws.CompiledClose
	}
	return ws.MustCompileFrame(ws.NewCloseFrame(c.closeBody))
}

// readFrame returns one unmasked client frame. Oversized and fragmented
// frames are refused before their payload is read.
func (c *Client) readFrame() (ws.Header, []byte, error) {
	header, err := ws.ReadHeader(c.conn)
	if err != nil {
		return header, nil, err
	}
	if header.Length > int64(maxMessageSize) {
		return header, nil, errFrameTooLarge
	}
	if !header.Fin || header.OpCode == ws.OpContinuation {
		return header, nil, errFragmented
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return header, nil, err
	}
	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}
	return header, payload, nil
}

// readPump owns the session: when it returns the hub lets go of it.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.id)
		c.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, payload, err := c.readFrame()
		switch {
		case errors.Is(err, errFrameTooLarge):
			c.logger.Warn("Client frame rejected",
				zap.String("session", c.id),
				zap.Int64("size", header.Length),
				zap.Error(err))
			c.closeWith(ws.StatusMessageTooBig, err.Error())
			return
		case errors.Is(err, errFragmented):
			c.logger.Warn("Client frame rejected", zap.String("session", c.id), zap.Error(err))
			c.closeWith(ws.StatusUnsupportedData, err.Error())
			return
		case err != nil:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("Client read ended", zap.String("session", c.id), zap.Error(err))
			}
			return
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing, ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		case ws.OpText:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
			c.hub.HandleEvent(context.Background(), c.id, payload)
		default:
			c.logger.Warn("Non-text client frame ignored",
				zap.String("session", c.id),
				zap.String("opcode", opName(header.OpCode)))
		}
	}
}

func opName(op ws.OpCode) string {
	switch op {
	case ws.OpBinary:
		return "binary"
	case ws.OpContinuation:
		return "continuation"
	default:
		return "0x" + strconv.FormatUint(uint64(op), 16)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.conn.Write(c.closeFrame())
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

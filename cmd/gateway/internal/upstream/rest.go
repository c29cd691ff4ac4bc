package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUpstream marks a vendor-side failure (non-2xx or error payload).
var ErrUpstream = errors.New("upstream: request failed")

// REST is the optional request/response fallback of the quote source.
// Quote payloads are returned raw; normalisation happens in ingest.
type REST interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetQuote(ctx context.Context, symbol string) (map[string]interface{}, error)
	GetQuotes(ctx context.Context, symbols []string) ([]map[string]interface{}, error)
	GetTimeSeries(ctx context.Context, symbol, interval string, size int) ([]map[string]interface{}, error)
	GetSymbols(ctx context.Context, exchange string) ([]map[string]interface{}, error)
}

type RESTClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewRESTClient(baseURL, apiKey string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var body struct {
		Price json.Number `json:"price"`
	}
	if err := c.get(ctx, "/price", url.Values{"symbol": {symbol}}, &body); err != nil {
		return 0, err
	}
	price, err := body.Price.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: bad price %q for %s", ErrUpstream, body.Price, symbol)
	}
	return price, nil
}

func (c *RESTClient) GetQuote(ctx context.Context, symbol string) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// GetQuotes asks for several symbols at once. The vendor answers either with
// a list or with an object keyed by symbol.
func (c *RESTClient) GetQuotes(ctx context.Context, symbols []string) ([]map[string]interface{}, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/quotes", url.Values{"symbol": {strings.Join(symbols, ",")}}, &raw); err != nil {
		return nil, err
	}

	var list []map[string]interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var keyed map[string]map[string]interface{}
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("%w: unexpected quotes payload", ErrUpstream)
	}
	out := make([]map[string]interface{}, 0, len(keyed))
	for sym, q := range keyed {
		if _, ok := q["symbol"]; !ok {
			q["symbol"] = sym
		}
		out = append(out, q)
	}
	return out, nil
}

func (c *RESTClient) GetTimeSeries(ctx context.Context, symbol, interval string, size int) ([]map[string]interface{}, error) {
	var body struct {
		Values []map[string]interface{} `json:"values"`
	}
	params := url.Values{
		"symbol":     {symbol},
		"interval":   {interval},
		"outputsize": {strconv.Itoa(size)},
	}
	if err := c.get(ctx, "/time_series", params, &body); err != nil {
		return nil, err
	}
	return body.Values, nil
}

func (c *RESTClient) GetSymbols(ctx context.Context, exchange string) ([]map[string]interface{}, error) {
	var body struct {
		Data []map[string]interface{} `json:"data"`
	}
	params := url.Values{}
	if exchange != "" {
		params.Set("exchange", exchange)
	}
	if err := c.get(ctx, "/symbols", params, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *RESTClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrUpstream, path, resp.StatusCode)
	}

	// Some vendors answer 200 with {"status":"error","message":...}.
	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &status) == nil && status.Status == "error" {
		return fmt.Errorf("%w: %s", ErrUpstream, status.Message)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

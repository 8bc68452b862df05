// Package marketdata fetches market data from the Deribit JSON-RPC API over
// WebSocket: historical candles for realized volatility and recent block
// trades for pricing.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// DefaultURL is the production Deribit WebSocket endpoint.
const DefaultURL = "wss://www.deribit.com/ws/api/v2"

// ErrNoCredentials is returned when a private method is called on a client
// built without API credentials.
var ErrNoCredentials = errors.New("marketdata: client credentials not configured")

// RPCError is an error object returned by the API.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("marketdata: rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client calls the API. Every call opens its own connection; private calls
// authenticate on that connection first. Calls are paced by a rate limiter.
type Client struct {
	url          string
	clientID     string
	clientSecret string
	timeout      time.Duration
	dialer       *websocket.Dialer
	limiter      *rate.Limiter
	logger       *slog.Logger
	nextID       atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithCredentials sets the API key used for private methods.
func WithCredentials(clientID, clientSecret string) Option {
	return func(c *Client) {
		c.clientID = clientID
		c.clientSecret = clientSecret
	}
}

// WithTimeout bounds each call when the context has no earlier deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRateLimit sets the maximum request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the given WebSocket URL.
func NewClient(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:     url,
		timeout: 10 * time.Second,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes a public method and decodes its result into out (which may
// be nil to discard it).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	conn, ctx, cancel, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	return c.roundTrip(ctx, conn, method, params, out)
}

// Token is the result of a successful authentication.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// Authenticate checks the configured credentials and returns the token.
func (c *Client) Authenticate(ctx context.Context) (*Token, error) {
	conn, ctx, cancel, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer conn.Close()

	return c.auth(ctx, conn)
}

// CallPrivate authenticates and then invokes a private method on the same
// connection.
func (c *Client) CallPrivate(ctx context.Context, method string, params, out any) error {
	conn, ctx, cancel, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	if _, err := c.auth(ctx, conn); err != nil {
		return err
	}
	return c.roundTrip(ctx, conn, method, params, out)
}

func (c *Client) auth(ctx context.Context, conn *websocket.Conn) (*Token, error) {
	if c.clientID == "" || c.clientSecret == "" {
		return nil, ErrNoCredentials
	}
	var tok Token
	err := c.roundTrip(ctx, conn, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	}, &tok)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return &tok, nil
}

// open waits for the rate limiter, applies the default timeout and dials.
func (c *Client) open(ctx context.Context) (*websocket.Conn, context.Context, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("marketdata: dial %s: %w", c.url, err)
	}
	return conn, ctx, cancel, nil
}

func (c *Client) roundTrip(ctx context.Context, conn *websocket.Conn, method string, params, out any) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}

	id := c.nextID.Add(1)
	if err := conn.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("marketdata: send %s: %w", method, err)
	}

	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("marketdata: read %s: %w", method, err)
		}
		if resp.ID != id {
			// Subscription notifications and stale replies.
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("marketdata: decode %s result: %w", method, err)
		}
		return nil
	}
}

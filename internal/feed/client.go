package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
)

// subscribeFrame is the first frame sent on a new connection.
type subscribeFrame struct {
	Action string `json:"action"`
	Table  string `json:"table"`
	Key    string `json:"key"`
	Token  string `json:"token"`
}

// Client maintains websocket subscriptions against the backend change-feed.
// Each scope gets its own connection with an independent read loop and
// reconnect cycle. Delivery is at-least-once and not strictly ordered;
// downstream reconciliation must tolerate duplicates and reordering.
type Client struct {
	url    string
	apiKey string
	token  string
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	scope  Scope
	h      Handlers
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a feed client for the given realtime endpoint.
func NewClient(url, apiKey, token string, logger *zap.Logger) *Client {
	return &Client{
		url:    url,
		apiKey: apiKey,
		token:  token,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe opens a realtime subscription for the scope. Any live
// subscription for the same scope is torn down first, so two listeners never
// write into the same store concurrently. The returned CancelFunc stops the
// read loop and closes the connection.
func (c *Client) Subscribe(scope Scope, h Handlers) (CancelFunc, error) {
	c.mu.Lock()
	if prev, ok := c.subs[scope.String()]; ok {
		prev.cancel()
		delete(c.subs, scope.String())
		c.mu.Unlock()
		<-prev.done
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{scope: scope, h: h, cancel: cancel, done: make(chan struct{})}
	c.subs[scope.String()] = sub
	c.mu.Unlock()

	go c.run(ctx, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-sub.done
			c.mu.Lock()
			if cur, ok := c.subs[scope.String()]; ok && cur == sub {
				delete(c.subs, scope.String())
			}
			c.mu.Unlock()
		})
	}, nil
}

// Close tears down all live subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		<-s.done
	}
}

// run owns one subscription's connect/read/reconnect cycle.
func (c *Client) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx, sub.scope)
		if err != nil {
			c.logger.Warn("feed dial failed",
				zap.String("scope", sub.scope.String()),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		c.logger.Info("feed subscribed", zap.String("scope", sub.scope.String()))
		c.readLoop(ctx, conn, sub)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("feed connection lost, reconnecting", zap.String("scope", sub.scope.String()))
	}
}

func (c *Client) dial(ctx context.Context, scope Scope) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	if err := conn.WriteJSON(subscribeFrame{
		Action: "subscribe",
		Table:  scope.Table,
		Key:    scope.Key,
		Token:  c.token,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscribe frame: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, sub *subscription) {
	// Unblock ReadMessage when the subscription is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		evt, err := decodeEvent(data)
		if err != nil {
			c.logger.Warn("feed frame decode failed", zap.Error(err))
			continue
		}
		sub.h.dispatch(evt)
	}
}

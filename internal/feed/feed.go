package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/mirror/internal/engine"
	"github.com/nexus-trading/mirror/internal/metrics"
)

// ---------------------------------------------------------------------------
// Signal feed: websocket stream of source-wallet trades
// Each message is one JSON TradeSignal, optionally carrying user_id.
// ---------------------------------------------------------------------------

// Handler consumes decoded signals. *engine.Engine satisfies it.
type Handler interface {
	ProcessSignal(ctx context.Context, sig engine.TradeSignal, userID string) engine.Result
}

// Observer sees every well-formed signal before it is handled.
// *quality.Monitor satisfies it.
type Observer interface {
	Record(network, wallet string, signalTime time.Time)
}

// Config configures the feed client.
type Config struct {
	URL            string
	Header         http.Header
	ReconnectDelay time.Duration
	MaxDelay       time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	// DefaultUser receives signals that do not name a user.
	DefaultUser string
	Observer    Observer
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * c.PingInterval
	}
}

// message is the wire form of one signal.
type message struct {
	engine.TradeSignal
	UserID string `json:"user_id"`
}

// Client reads signals from a websocket and hands each one to the handler
// in its own goroutine. It reconnects with exponential backoff until the
// context is cancelled.
type Client struct {
	config  Config
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn

	inflight sync.WaitGroup

	received   atomic.Int64
	invalid    atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

// New creates a feed client.
func New(config Config, handler Handler) *Client {
	config.defaults()
	return &Client{config: config, handler: handler}
}

// Run blocks until ctx is cancelled, then waits for in-flight signals.
func (c *Client) Run(ctx context.Context) {
	defer c.inflight.Wait()

	delay := c.config.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connect(ctx); err != nil {
			c.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("feed: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > c.config.MaxDelay {
				delay = c.config.MaxDelay
			}
			continue
		}

		delay = c.config.ReconnectDelay
		c.readLoop(ctx)
		c.disconnect()

		select {
		case <-time.After(c.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, c.config.Header)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	log.Info().Str("url", redact(c.config.URL)).Msg("feed: connected")
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
}

func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	// Unblock ReadMessage on shutdown and keep the connection alive.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.mu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				c.mu.Unlock()
				conn.Close()
				return
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("feed: ping failed")
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Info().Msg("feed: connection closed by server")
			default:
				log.Warn().Err(err).Msg("feed: read error, reconnecting")
			}
			return
		}
		c.received.Add(1)
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	msg, err := decode(data)
	if err != nil {
		c.invalid.Add(1)
		metrics.RecordFeedMessage("invalid")
		log.Warn().Err(err).Msg("feed: dropping malformed message")
		return
	}
	if c.config.Observer != nil {
		c.config.Observer.Record(string(msg.Network), msg.SourceWallet, msg.Timestamp)
	}
	user := msg.UserID
	if user == "" {
		user = c.config.DefaultUser
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("feed: handler panic recovered")
			}
		}()

		res := c.handler.ProcessSignal(ctx, msg.TradeSignal, user)
		if res.Success {
			c.accepted.Add(1)
			metrics.RecordFeedMessage("accepted")
		} else {
			c.rejected.Add(1)
			metrics.RecordFeedMessage("rejected")
		}
		log.Debug().
			Str("trace_id", res.TraceID).
			Str("wallet", msg.SourceWallet).
			Str("token", msg.Token).
			Str("action", string(res.Action)).
			Str("reason", string(res.Reason)).
			Msg("feed: signal handled")
	}()
}

func decode(data []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return message{}, fmt.Errorf("feed: decode: %w", err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}

// redact strips query parameters, which commonly carry API keys.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// Stats reports feed counters.
type Stats struct {
	Connected  bool  `json:"connected"`
	Received   int64 `json:"received"`
	Invalid    int64 `json:"invalid"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Reconnects int64 `json:"reconnects"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Connected:  c.connected.Load(),
		Received:   c.received.Load(),
		Invalid:    c.invalid.Load(),
		Accepted:   c.accepted.Load(),
		Rejected:   c.rejected.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

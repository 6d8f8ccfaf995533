package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL          string
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	Outbox       int
	Reconnect    retry.Config
}

// Client keeps a session with the rendezvous server open, reconnecting
// with backoff when it drops. It implements ports.RendezvousLink.
type Client struct {
	cfg      ClientConfig
	dialer   *websocket.Dialer
	username func() string

	mu   sync.RWMutex
	conn *wsConn

	onMessage   func(msg domain.SignalMessage, ack uint64)
	onConnected func()
	onLost      func()
	logger      *zap.SugaredLogger
}

// NewClient creates a client. username is asked for on every dial so a
// rename survives reconnects.
func NewClient(cfg ClientConfig, username func() string, logger *zap.SugaredLogger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		username:    username,
		onMessage:   func(domain.SignalMessage, uint64) {},
		onConnected: func() {},
		onLost:      func() {},
		logger:      logger,
	}
}

// OnMessage is called from the reader goroutine for every server message.
func (c *Client) OnMessage(fn func(msg domain.SignalMessage, ack uint64)) { c.onMessage = fn }

// OnConnected is called after every successful (re)connection.
func (c *Client) OnConnected(fn func()) { c.onConnected = fn }

// OnLost is called when an established session drops.
func (c *Client) OnLost(fn func()) { c.onLost = fn }

func (c *Client) current() (*wsConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, domain.ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) Connected() bool {
	_, err := c.current()
	return err == nil
}

func (c *Client) Send(msg domain.SignalMessage) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Send(msg)
}

// Request sends msg and waits for the server's reply. An error event sent
// in reply is returned as an error.
func (c *Client) Request(ctx context.Context, msg domain.SignalMessage) (domain.SignalMessage, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	reply, err := conn.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if notice, ok := reply.(domain.ErrorNotice); ok {
		return nil, fmt.Errorf("server rejected %s: %s: %s", msg.SignalType(), notice.Code, notice.Message)
	}
	return reply, nil
}

func (c *Client) Reply(ack uint64, msg domain.SignalMessage) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Reply(ack, msg)
}

// Run connects and serves the session until ctx is done, reconnecting
// after every drop. It returns when ctx is done or reconnecting gives up.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := retry.RetryWithResult(ctx, c.reconnectConfig(), func() (*wsConn, error) {
			return c.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connect to rendezvous server: %w", err)
		}

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) reconnectConfig() retry.Config {
	cfg := c.cfg.Reconnect
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
			c.logger.Warnw("rendezvous connection failed", "attempt", attempt, "retry_in", delay, "error", err)
		}
	}
	return cfg
}

func (c *Client) dial(ctx context.Context) (*wsConn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse server url: %w", err))
	}
	q := u.Query()
	q.Set("username", c.username())
	u.RawQuery = q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusBadRequest {
			return nil, retry.Permanent(fmt.Errorf("server refused session: %w", err))
		}
		return nil, err
	}
	return newWSConn(ws, connConfig{
		pingInterval: c.cfg.PingInterval,
		pongTimeout:  c.cfg.PongTimeout,
		writeTimeout: c.cfg.WriteTimeout,
		outbox:       c.cfg.Outbox,
	}, domain.DecodeServerSignal, c.logger), nil
}

func (c *Client) serve(ctx context.Context, conn *wsConn) {
	go conn.writeLoop()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Infow("connected to rendezvous server", "url", c.cfg.URL)
	c.onConnected()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err := conn.readFrames(func(env domain.Envelope) {
		msg, err := domain.DecodeServerSignal(env)
		if err != nil {
			c.logger.Warnw("dropping server message", "type", env.Type, "error", err)
			return
		}
		c.onMessage(msg, env.Ack)
	})

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()

	if ctx.Err() == nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			c.logger.Warnw("rendezvous session closed by server", "code", closeErr.Code, "text", closeErr.Text)
		} else {
			c.logger.Warnw("rendezvous session lost", "error", err)
		}
		c.onLost()
	}
}

// Close drops the current session. Run reconnects unless its context is done.
func (c *Client) Close() error {
	conn, err := c.current()
	if err != nil {
		return nil
	}
	return conn.Close()
}

package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peerlink/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type connConfig struct {
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
	outbox       int
}

// wsConn owns one websocket. Frames are queued on outbox and written by a
// single writer goroutine, so Send never blocks on the network. A peer that
// stops reading is dropped once its outbox fills up.
type wsConn struct {
	ws     *websocket.Conn
	cfg    connConfig
	outbox chan []byte
	closed chan struct{}
	once   sync.Once

	nextAck atomic.Uint64
	mu      sync.Mutex
	waiters map[uint64]chan domain.Envelope

	// decode turns a reply frame into a message; it differs by side.
	decode func(domain.Envelope) (domain.SignalMessage, error)
	logger *zap.SugaredLogger
}

func newWSConn(ws *websocket.Conn, cfg connConfig, decode func(domain.Envelope) (domain.SignalMessage, error), logger *zap.SugaredLogger) *wsConn {
	if cfg.outbox <= 0 {
		cfg.outbox = 64
	}
	return &wsConn{
		ws:      ws,
		cfg:     cfg,
		outbox:  make(chan []byte, cfg.outbox),
		closed:  make(chan struct{}),
		waiters: make(map[uint64]chan domain.Envelope),
		decode:  decode,
		logger:  logger,
	}
}

func (c *wsConn) Send(msg domain.SignalMessage) error {
	env, err := domain.NewEnvelope(msg)
	if err != nil {
		return err
	}
	return c.sendEnvelope(env)
}

// Reply answers the request that carried ack.
func (c *wsConn) Reply(ack uint64, msg domain.SignalMessage) error {
	env, err := domain.NewEnvelope(msg)
	if err != nil {
		return err
	}
	env.ReplyTo = ack
	return c.sendEnvelope(env)
}

// Request sends msg with a fresh ack id and waits for the frame that
// replies to it.
func (c *wsConn) Request(ctx context.Context, msg domain.SignalMessage) (domain.SignalMessage, error) {
	env, err := domain.NewEnvelope(msg)
	if err != nil {
		return nil, err
	}
	env.Ack = c.nextAck.Add(1)

	wait := make(chan domain.Envelope, 1)
	c.mu.Lock()
	c.waiters[env.Ack] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, env.Ack)
		c.mu.Unlock()
	}()

	if err := c.sendEnvelope(env); err != nil {
		return nil, err
	}

	select {
	case reply := <-wait:
		return c.decode(reply)
	case <-c.closed:
		return nil, domain.ErrConnectionClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", msg.SignalType(), ctx.Err())
	}
}

// resolve hands a reply frame to its waiter. It reports false when nobody
// is waiting any more.
func (c *wsConn) resolve(env domain.Envelope) bool {
	c.mu.Lock()
	wait, ok := c.waiters[env.ReplyTo]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case wait <- env:
	default:
	}
	return true
}

func (c *wsConn) sendEnvelope(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
		c.logger.Warnw("outbound buffer full, dropping connection", "type", env.Type)
		c.Close()
		return domain.ErrOutboxFull
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
// It never blocks and may be called more than once.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *wsConn) Done() <-chan struct{} { return c.closed }

// writeLoop is the only goroutine writing to the socket.
func (c *wsConn) writeLoop() {
	ping := time.NewTicker(c.cfg.pingInterval)
	defer func() {
		ping.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("write failed", "error", err)
				c.Close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.cfg.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debugw("ping failed", "error", err)
				c.Close()
				return
			}
		case <-c.closed:
			c.flush()
			deadline := time.Now().Add(c.cfg.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readFrames reads envelopes until the socket fails. Reply frames are
// routed to their waiters; everything else goes to handle.
func (c *wsConn) readFrames(handle func(domain.Envelope)) error {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongTimeout))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("dropping undecodable frame", "error", err, "size", len(data))
			continue
		}
		if env.ReplyTo != 0 {
			if !c.resolve(env) {
				c.logger.Debugw("reply arrived after its request gave up", "reply_to", env.ReplyTo, "type", env.Type)
			}
			continue
		}
		handle(env)
	}
}

package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"
	rlog "peerlink/pkg/logger"
	"peerlink/pkg/tracing"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboundBuffer int

	// per-session inbound limits; zero disables them
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		OutboundBuffer: 64,
		MaxMessageSize: 64 * 1024,
	}
}

// WebSocketServer accepts rendezvous sessions. A client connects with
// ?username=...; its address is the one the request came from.
type WebSocketServer struct {
	rendezvous *services.RendezvousService
	cfg        ServerConfig
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn

	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
}

func NewWebSocketServer(rendezvous *services.RendezvousService, cfg ServerConfig, logger *zap.Logger) *WebSocketServer {
	return &WebSocketServer{
		rendezvous: rendezvous,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// peers are native clients, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:     make(map[string]*wsConn),
		logger:    logger.Sugar(),
		ctxLogger: rlog.NewContextLogger(logger),
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if err := validation.ValidateUsername(username); err != nil {
		appErr := apperrors.NewInvalidInputError(err.Error())
		http.Error(w, appErr.Error(), appErr.HTTPStatus)
		return
	}
	identity := domain.NewDeviceIdentifier(utils.ClientIP(r), username)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "peer", identity.String(), "error", err)
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	sessionID := utils.GenerateSessionID()
	ctx := rlog.WithSession(r.Context(), sessionID)
	ctx = rlog.WithPeer(ctx, identity.String())
	ctx = rlog.WithTraceID(ctx, utils.GenerateTraceID())
	log := s.ctxLogger.Sugar(ctx)

	conn := newWSConn(ws, connConfig{
		pingInterval: s.cfg.PingInterval,
		pongTimeout:  s.cfg.PongTimeout,
		writeTimeout: s.cfg.WriteTimeout,
		outbox:       s.cfg.OutboundBuffer,
	}, domain.DecodeClientSignal, log)
	go conn.writeLoop()

	s.mu.Lock()
	s.conns[sessionID] = conn
	s.mu.Unlock()

	session := s.rendezvous.Join(sessionID, identity, conn)
	log.Infow("peer connected")

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	// ack-style requests wait on another session, so they run off the read loop
	var inflight sync.WaitGroup
	err = conn.readFrames(func(env domain.Envelope) {
		if limiter != nil && !limiter.Allow() {
			s.reject(ctx, conn, env, apperrors.NewRateLimitError())
			return
		}
		if env.Ack != 0 {
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				s.handleFrame(ctx, session, conn, env)
			}()
			return
		}
		s.handleFrame(ctx, session, conn, env)
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Infow("session read ended", "error", err)
	}

	conn.Close()
	inflight.Wait()
	s.rendezvous.Leave(session)

	s.mu.Lock()
	delete(s.conns, sessionID)
	s.mu.Unlock()
	log.Infow("peer disconnected")
}

func (s *WebSocketServer) handleFrame(ctx context.Context, session *services.Session, conn *wsConn, env domain.Envelope) {
	ctx, span := tracing.TraceSignalMessage(ctx, string(env.Type), session.ID, session.Identity().String())
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), string(env.Type))

	msg, err := domain.DecodeClientSignal(env)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.reject(ctx, conn, env, toAppError(err))
		return
	}

	reply, err := s.rendezvous.Dispatch(ctx, session, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.reject(ctx, conn, env, toAppError(err))
		return
	}
	if reply == nil {
		return
	}
	span.SetAttributes(attribute.String("signal.reply", string(reply.SignalType())))
	if env.Ack != 0 {
		err = conn.Reply(env.Ack, reply)
	} else {
		err = conn.Send(reply)
	}
	if err != nil {
		s.ctxLogger.Sugar(ctx).Debugw("failed to send reply", "type", reply.SignalType(), "error", err)
	}
}

// reject reports a failed frame back to its sender as an error event.
func (s *WebSocketServer) reject(ctx context.Context, conn *wsConn, env domain.Envelope, appErr *apperrors.AppError) {
	tracing.SetSpanStatus(ctx, codes.Error, string(appErr.Code))
	log := s.ctxLogger.Sugar(ctx)
	if appErr.Code == apperrors.ErrCodeInternal {
		log.Errorw("signal handling failed", "type", env.Type, "error", appErr)
	} else {
		log.Warnw("signal rejected", "type", env.Type, "code", appErr.Code, "error", appErr)
	}

	notice := domain.ErrorNotice{Code: string(appErr.Code), Message: appErr.Message}
	var err error
	if env.Ack != 0 {
		err = conn.Reply(env.Ack, notice)
	} else {
		err = conn.Send(notice)
	}
	if err != nil {
		log.Debugw("failed to send error notice", "error", err)
	}
}

// ConnectionCount returns the number of open websocket sessions.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown closes every open session.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	s.logger.Infow("closed signaling sessions", "count", len(conns))
}

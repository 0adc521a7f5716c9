// Package relay bridges browser websockets to half-duplex bot conversations.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/halfduplex/internal/backoff"
	"github.com/ashureev/halfduplex/internal/bridge"
	"github.com/ashureev/halfduplex/internal/domain"
	"github.com/ashureev/halfduplex/internal/engine"
	"github.com/ashureev/halfduplex/internal/identity"
	"github.com/ashureev/halfduplex/internal/metrics"
	"github.com/ashureev/halfduplex/internal/store"
	"github.com/ashureev/halfduplex/internal/strategy"
	"github.com/ashureev/halfduplex/internal/telemetry"
)

const (
	defaultMaxMessageBytes = 64 << 10
	ledgerWriteTimeout     = 5 * time.Second
)

// Config configures a Handler.
type Config struct {
	Strategy strategy.Strategy
	// Repo is optional; without it no transcript is kept.
	Repo     store.Repository
	Sessions *SessionManager
	Logger   *slog.Logger
	Metrics  metrics.Recorder

	Retry                      backoff.Policy
	RequestTimeout             time.Duration
	HTTPClient                 *http.Client
	Locale                     string
	EmitStartConversationEvent bool
	// EngineOptions are applied after the options derived from the fields above.
	EngineOptions []engine.Option

	MaxMessageBytes int64
	AllowedOrigin   string
	IsDev           bool
}

// Handler upgrades requests to websockets and relays chat turns.
type Handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates a new relay handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionManager()
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.DefaultPolicy()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Handler{cfg: cfg, logger: cfg.Logger}
}

// session is one websocket bridged to one conversation.
type session struct {
	id       string
	clientID string
	ws       *websocket.Conn
	conn     *bridge.Conn
	logger   *slog.Logger

	correlationID atomic.Value
	posting       atomic.Bool
	posts         sync.WaitGroup
}

func (s *session) correlation() string {
	id, _ := s.correlationID.Load().(string)
	return id
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	s := &session{
		id:       uuid.NewString(),
		clientID: clientID,
		logger:   h.logger.With("client_id", clientID),
	}
	s.logger = s.logger.With("session_id", s.id)
	s.correlationID.Store(identity.CorrelationIDFromContext(r.Context()))
	s.logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			s.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	s.ws = ws

	h.cfg.Sessions.Register(clientID, s.id, ws)
	defer h.cfg.Sessions.Unregister(clientID, s.id, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.createSession(s)
	if err := s.write(serverFrame{Type: frameSession, SessionID: s.id}); err != nil {
		s.logger.Debug("Failed to send session frame", "error", err)
		return
	}

	gen := engine.NewTurnGenerator(ctx, h.cfg.Strategy, engine.Init{
		EmitStartConversationEvent: &h.cfg.EmitStartConversationEvent,
		Locale:                     h.cfg.Locale,
		Retry:                      &h.cfg.Retry,
		Telemetry:                  telemetry.NewSlog(s.logger, s.correlation),
		Options:                    h.engineOptions(s.logger),
	})
	s.conn = bridge.Connect(ctx, gen, bridge.WithLogger(s.logger))
	defer s.conn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: WebSocket -> bot.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, s)
	}()

	// Output loop: bot -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(s)
	}()

	wg.Wait()
	s.posts.Wait()
	s.conn.Close()
	h.finishSession(s)
	s.logger.Info("Relay session ended", "conversation_id", s.conn.ConversationID())
}

func (h *Handler) engineOptions(logger *slog.Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(h.cfg.Metrics),
	}
	if h.cfg.RequestTimeout > 0 {
		opts = append(opts, engine.WithRequestTimeout(h.cfg.RequestTimeout))
	}
	if h.cfg.HTTPClient != nil {
		opts = append(opts, engine.WithHTTPClient(h.cfg.HTTPClient))
	}
	return append(opts, h.cfg.EngineOptions...)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, s *session) {
	for {
		_, message, err := s.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				s.logger.Debug("WebSocket closed", "error", err)
			} else {
				s.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.writeError("", "malformed frame")
			continue
		}

		if frame.Type == framePing {
			if err := s.write(serverFrame{Type: framePong}); err != nil {
				s.logger.Debug("Failed to send pong", "error", err)
			}
			continue
		}

		activity, err := frame.toActivity(s.clientID)
		if err != nil {
			s.writeError(frame.ClientActivityID, err.Error())
			continue
		}

		if !s.posting.CompareAndSwap(false, true) {
			s.writeError(frame.ClientActivityID, errTurnInProgress.Error())
			continue
		}

		correlationID := frame.CorrelationID
		if correlationID == "" {
			correlationID = identity.NewCorrelationID()
		}
		s.correlationID.Store(correlationID)

		s.posts.Add(1)
		go func() {
			defer s.posts.Done()
			defer s.posting.Store(false)
			h.post(ctx, s, activity, frame.ClientActivityID)
		}()
	}
}

func (h *Handler) post(ctx context.Context, s *session, activity domain.Activity, clientActivityID string) {
	id, err := s.conn.PostActivity(ctx, activity)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("Failed to post activity", "error", err, "correlation_id", s.correlation())
			s.writeError(clientActivityID, err.Error())
		}
		return
	}
	if err := s.write(serverFrame{Type: frameAck, ID: id, ClientActivityID: clientActivityID}); err != nil {
		s.logger.Debug("Failed to send ack", "error", err)
	}
}

func (h *Handler) outputLoop(s *session) {
	activities, statuses := s.conn.Activities(), s.conn.Status()
	for activities != nil || statuses != nil {
		select {
		case act, ok := <-activities:
			if !ok {
				activities = nil
				continue
			}
			h.recordActivity(s, act)
			if err := s.write(serverFrame{Type: frameActivity, Activity: act}); err != nil {
				s.logger.Debug("Failed to send activity", "error", err)
			}
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			if err := s.write(statusFrame(status)); err != nil {
				s.logger.Debug("Failed to send status", "error", err)
			}
		}
	}

	if err := s.conn.Err(); err != nil {
		if closeErr := s.ws.Close(websocket.StatusInternalError, "bot unavailable"); closeErr != nil {
			s.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}
}

func (s *session) write(frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.ws.Write(context.Background(), websocket.MessageText, data)
}

func (s *session) writeError(clientActivityID, message string) {
	if err := s.write(serverFrame{Type: frameError, ClientActivityID: clientActivityID, Error: message}); err != nil {
		s.logger.Debug("Failed to send error", "error", err)
	}
}

func (h *Handler) createSession(s *session) {
	if h.cfg.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	now := time.Now()
	if err := h.cfg.Repo.CreateSession(ctx, &domain.RelaySession{
		SessionID: s.id,
		ClientID:  s.clientID,
		Status:    domain.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		s.logger.Warn("Failed to record session", "error", err)
	}
}

func (h *Handler) recordActivity(s *session, act domain.Activity) {
	if h.cfg.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	entry := domain.NewTranscriptEntry(s.id, s.conn.ConversationID(), directionOf(act), act, time.Now())
	if err := h.cfg.Repo.AppendTranscript(ctx, entry); err != nil {
		s.logger.Warn("Failed to record activity", "error", err, "activity_type", entry.ActivityType)
	}
}

func (h *Handler) finishSession(s *session) {
	if h.cfg.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	status := domain.SessionEnded
	if s.conn.Err() != nil {
		status = domain.SessionFailed
	}
	if err := h.cfg.Repo.UpdateSession(ctx, s.id, s.conn.ConversationID(), status); err != nil {
		s.logger.Warn("Failed to finalize session", "error", err)
	}
}

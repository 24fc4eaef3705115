// Package server exposes the HTTP surface of the voice bridge: the carrier
// ingress webhook, the media-stream WebSocket endpoint, health probes, and
// the Prometheus scrape endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helloml/voicebridge/internal/bridge"
	"github.com/helloml/voicebridge/internal/config"
	"github.com/helloml/voicebridge/internal/health"
	"github.com/helloml/voicebridge/internal/observe"
	"github.com/helloml/voicebridge/internal/store"
	"github.com/helloml/voicebridge/internal/telephony"
	"github.com/helloml/voicebridge/internal/tooling"
	"github.com/helloml/voicebridge/pkg/realtime"
)

// Store is the persistence surface the handlers need. Implemented by
// store.Store.
type Store interface {
	AgentByNumber(ctx context.Context, number string) (store.Agent, error)
	LoadAgentSnapshot(ctx context.Context, agentID string) (*store.AgentSnapshot, error)
	HasActiveSubscription(ctx context.Context, businessID string) (bool, error)
	CompletedMinutes(ctx context.Context, agentID string) (float64, error)
	CreateConversation(ctx context.Context, agentID, callerNumber string) (string, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) error
	FinalizeConversation(ctx context.Context, conversationID, status string) error
	UpdateToolToken(ctx context.Context, connectionID, accessToken string, expiry time.Time) error
}

// LLMDialer opens a Realtime session for one call. Swapped out in tests.
type LLMDialer func(ctx context.Context, sc realtime.SessionConfig) (bridge.LLMLink, error)

// Server holds handler dependencies and the chi router.
type Server struct {
	cfg       *config.Config
	store     Store
	search    tooling.Searcher
	health    *health.Handler
	metrics   *observe.Metrics
	validator *telephony.WebhookValidator
	dialLLM   LLMDialer
	log       *slog.Logger

	// tunables are the hot-reloadable knobs. Updated by the config watcher,
	// read at the start of each call.
	tunMu sync.RWMutex
	tun   tunables

	router *chi.Mux
}

// tunables groups the settings that may change while the server runs.
// Changes apply to calls that start after the update.
type tunables struct {
	vad    config.VADConfig
	limits config.LimitsConfig
}

// Option customizes a Server.
type Option func(*Server)

// WithLLMDialer replaces the Realtime dialer. Used in tests.
func WithLLMDialer(d LLMDialer) Option {
	return func(s *Server) { s.dialLLM = d }
}

// New creates the HTTP handler with all routes mounted. search may be nil
// when no knowledge index is configured; hc may be nil to skip health
// routes.
func New(cfg *config.Config, st Store, search tooling.Searcher, hc *health.Handler, m *observe.Metrics, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		search:  search,
		health:  hc,
		metrics: m,
		log:     log,
		tun:     tunables{vad: cfg.OpenAI.VAD, limits: cfg.Limits},
		router:  chi.NewRouter(),
	}
	if cfg.Twilio.ValidateSignatures {
		s.validator = telephony.NewWebhookValidator(cfg.Twilio.AuthToken, cfg.Server.PublicURL)
	}
	s.dialLLM = s.dialRealtime
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the middleware stack and mounts all routes. Instance
// affinity runs outermost so replayed requests never touch a handler on the
// wrong machine.
func (s *Server) routes() {
	r := s.router

	r.Use(s.instanceAffinity)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Post("/twilio/incoming-call", s.handleIncomingCall)
	r.Get("/conversation/{agentID}/media-stream/{instanceID}", s.handleMediaStream)

	if s.health != nil {
		s.health.Register(r)
	}
	r.Handle("/metrics", promhttp.Handler())
}

// UpdateTunables swaps in new VAD and limit settings. In-flight calls keep
// the values they started with.
func (s *Server) UpdateTunables(vad config.VADConfig, limits config.LimitsConfig) {
	s.tunMu.Lock()
	s.tun = tunables{vad: vad, limits: limits}
	s.tunMu.Unlock()
}

func (s *Server) currentTunables() tunables {
	s.tunMu.RLock()
	defer s.tunMu.RUnlock()
	return s.tun
}

// dialRealtime is the production LLMDialer.
func (s *Server) dialRealtime(ctx context.Context, sc realtime.SessionConfig) (bridge.LLMLink, error) {
	var opts []realtime.Option
	if s.cfg.OpenAI.Model != "" {
		opts = append(opts, realtime.WithModel(s.cfg.OpenAI.Model))
	}
	if s.cfg.OpenAI.BaseURL != "" {
		opts = append(opts, realtime.WithBaseURL(s.cfg.OpenAI.BaseURL))
	}
	sess, err := realtime.New(s.cfg.OpenAI.APIKey, opts...).Connect(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("server: dial realtime: %w", err)
	}
	return sess, nil
}

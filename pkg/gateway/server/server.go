package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/oto-voiceapi/pkg/core/detect"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/auth"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/config"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/handlers"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/lifecycle"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/lease"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/live/sessions"
	"github.com/vango-go/oto-voiceapi/pkg/gateway/mw"
	"github.com/vango-go/oto-voiceapi/pkg/metrics"
	"github.com/vango-go/oto-voiceapi/pkg/store"
)

// Dependencies are the collaborators shared by every conversation. Nil
// fields fall back to in-process implementations.
type Dependencies struct {
	Store      store.Store
	Leases     lease.Manager
	Authorizer auth.Authorizer
	Detector   detect.Engine

	Providers   handlers.ProviderLookup
	NewProvider handlers.ProviderFactory
	NewDecoder  handlers.DecoderFactory
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	deps      Dependencies
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	if deps.Leases == nil {
		deps.Leases = lease.NewLocal()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = auth.NewStaticKeys(cfg, deps.Store)
	}
	if deps.Detector == nil {
		deps.Detector = detect.Nop{}
	}
	if deps.Providers == nil {
		deps.Providers = handlers.ProvidersFromConfig(cfg)
	}
	if deps.NewProvider == nil {
		deps.NewProvider = handlers.DefaultProvider(cfg, deps.Providers)
	}
	if deps.NewDecoder == nil {
		deps.NewDecoder = handlers.DecoderFromConfig(cfg)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Provider:  s.deps.NewProvider,
	})
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.Handle("/conversation/{id}/stream", mw.Auth(s.deps.Authorizer, handlers.StreamHandler{
		Config:      s.cfg,
		Logger:      s.logger,
		Lifecycle:   s.lifecycle,
		Sessions:    s.sessions,
		Authorizer:  s.deps.Authorizer,
		Store:       s.deps.Store,
		Leases:      s.deps.Leases,
		Detector:    s.deps.Detector,
		NewProvider: s.deps.NewProvider,
		NewDecoder:  s.deps.NewDecoder,
	}))
	s.mux.Handle("/conversation/{id}/provider", mw.Auth(s.deps.Authorizer, handlers.ProviderHandler{
		Logger:    s.logger,
		Sessions:  s.sessions,
		Providers: s.deps.Providers,
	}))
	s.mux.Handle("/conversation/{id}/transcript", mw.Auth(s.deps.Authorizer, handlers.TranscriptHandler{
		Config:     s.cfg,
		Authorizer: s.deps.Authorizer,
	}))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes new streams and readiness probes fail while live
// conversations finish.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}

// SessionIDs lists the conversations live in this process.
func (s *Server) SessionIDs() []string {
	return s.sessions.IDs()
}

// CloseSessions finalizes every live conversation and waits for each to
// persist or for ctx to expire.
func (s *Server) CloseSessions(ctx context.Context) error {
	return s.sessions.CloseAll(ctx)
}

// WaitSessions blocks until every session handler has returned.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions aborts the sessions that did not finish in time.
func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}

// Copyright 2025 James Ross
package facade

import (
	"context"
	"net/http"

	"github.com/archivewrapped/pipeline/internal/archiveclient"
	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/session"
	"github.com/archivewrapped/pipeline/internal/store"
	"github.com/archivewrapped/pipeline/internal/verifier"
	"go.uber.org/zap"
)

// Server is the user-facing HTTP façade: job creation, Archive OAuth
// handoff, session issuance, and Wrapped status/request routes. Shaped
// after the teacher's admin-api Server (config + constructor + SetupRoutes
// + applyMiddleware), but its surface is public-facing rather than an
// operator console.
type Server struct {
	cfg     *config.Config
	handler *Handler
	log     *zap.Logger
	server  *http.Server
}

func NewServer(cfg *config.Config, st *store.Store, bs *bus.Bus, archive *archiveclient.Client, vw *verifier.Worker, sessionMgr *session.Manager, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: NewHandler(cfg, st, bs, archive, vw, sessionMgr, log),
		log:     log,
	}
}

func (s *Server) Start() error {
	handler := s.applyMiddleware(s.SetupRoutes())
	s.server = &http.Server{
		Addr:         s.cfg.Facade.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.Facade.ReadTimeout,
		WriteTimeout: s.cfg.Facade.WriteTimeout,
	}
	s.log.Info("starting facade server", zap.String("addr", s.cfg.Facade.ListenAddr))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// SetupRoutes is exported for testing, matching the teacher's pattern.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	h := s.handler

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("POST /link/start", h.HandleStart)
	mux.HandleFunc("GET /link/redirect", h.HandleRedirect)
	mux.HandleFunc("GET /link/code", h.HandleCode)
	mux.HandleFunc("POST /link/finalize", h.HandleFinalize)
	mux.HandleFunc("POST /link/waitlist", h.HandleWaitlist)
	mux.HandleFunc("GET /wrapped/{app_user_id}", h.HandleWrappedStatus)

	sessionMgr := h.sessionMgr
	mux.Handle("POST /link/verify-region", SessionAuthMiddleware(sessionMgr, s.log)(http.HandlerFunc(h.HandleVerifyRegion)))
	mux.Handle("POST /wrapped-request", SessionAuthMiddleware(sessionMgr, s.log)(http.HandlerFunc(h.HandleWrappedRequest)))
	mux.Handle("POST /auth/register-email", SessionAuthMiddleware(sessionMgr, s.log)(http.HandlerFunc(h.HandleRegisterEmail)))

	return mux
}

// applyMiddleware wraps the whole mux in reverse order, outermost first,
// mirroring the teacher's Recovery -> RequestID -> CORS -> Audit ->
// RateLimit chain. Per-route session auth is applied above in SetupRoutes
// instead of globally, since /health, /link/start and /wrapped/{id} are
// intentionally unauthenticated.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	handler = RateLimitMiddleware(s.cfg.Facade.RateLimitPerSec, s.cfg.Facade.RateLimitBurst, s.log)(handler)
	handler = AuditMiddleware(s.log)(handler)
	handler = CORSMiddleware(s.cfg.Facade.AllowedOrigins)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.log)(handler)
	return handler
}

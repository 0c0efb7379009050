// Package server exposes sanitization and self-healing renders over HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/diagmend/internal/diagcache"
	"github.com/danshapiro/diagmend/internal/render"
	"github.com/danshapiro/diagmend/internal/repair"
	"github.com/danshapiro/diagmend/internal/sanitize"
)

// Healer runs the repair ladder. *repair.Controller implements it.
type Healer interface {
	Heal(ctx context.Context, req repair.Request) (*repair.Result, error)
	Coordinator() *repair.Coordinator
}

type Config struct {
	Addr string // listen address, e.g. ":8080"

	Healer Healer
	// Oracle backs the in-memory surface each heal renders onto.
	Oracle render.Oracle
	// Cache receives step registrations from heal requests. Optional.
	Cache    *diagcache.Cache
	Sanitize sanitize.Options
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	config   Config
	registry *HealRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *zap.Logger
	inflight sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		registry: NewHealRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   cfg.Logger.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /diagrams/sanitize", s.handleSanitize)
	mux.HandleFunc("POST /heals", s.handleSubmitHeal)
	mux.HandleFunc("GET /heals", s.handleListHeals)
	mux.HandleFunc("GET /heals/{id}", s.handleGetHeal)
	mux.HandleFunc("GET /heals/{id}/events", s.handleHealEvents)
	mux.HandleFunc("GET /sessions/active", s.handleActiveSession)
	mux.HandleFunc("GET /simulations/{id}/steps/{step}", s.handleStepValidated)
	mux.HandleFunc("DELETE /simulations/{id}", s.handleForgetSimulation)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until SIGINT/SIGTERM or Shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("shutting down", zap.String("signal", sig.String()))
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Info("listening", zap.String("addr", s.config.Addr))
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects state-changing requests whose Origin is not a
// localhost-family host. Callers that omit Origin are allowed.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if origin := r.Header.Get("Origin"); origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					writeError(w, http.StatusForbidden, "invalid Origin header")
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					writeError(w, http.StatusForbidden, "cross-origin request blocked")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown detaches every heal surface, drains HTTP connections and waits
// for in-flight heals to finish.
func (s *Server) Shutdown() {
	s.registry.DetachAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("heals still running at shutdown", zap.Int("running", s.registry.Running()))
	}
	s.cancel()
}

// Package server runs the proxy: it loads the PAC script, opens the proxy
// and admin listeners and keeps the script fresh until shut down.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/goodtune/pacrelay/internal/admin"
	"github.com/goodtune/pacrelay/internal/config"
	"github.com/goodtune/pacrelay/internal/fetch"
	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/pac"
	"github.com/goodtune/pacrelay/internal/proxy"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 30 * time.Second
)

// ErrNotServing is returned by Reload before a script has been loaded.
var ErrNotServing = errors.New("server is not serving")

// State is a step of the server lifecycle.
type State int32

const (
	Loading   State = iota // fetching the PAC script
	Resolving              // compiling the PAC script
	Serving                // accepting proxy connections
	Failed                 // startup failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Resolving:
		return "resolving"
	case Serving:
		return "serving"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPACOptions passes options to every compiled PAC script.
func WithPACOptions(opts ...pac.Option) Option {
	return func(s *Server) { s.pacOpts = append(s.pacOpts, opts...) }
}

// WithGatherer sets the registry served on /metrics. Defaults to the
// Prometheus default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server is a PAC-driven forward proxy.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	fetcher  *fetch.Fetcher
	pacOpts  []pac.Option
	gatherer prometheus.Gatherer

	state     atomic.Int32
	eval      atomic.Pointer[pac.Evaluator]
	addr      atomic.Pointer[net.TCPAddr]
	adminAddr atomic.Pointer[net.TCPAddr]
	reloadMu  sync.Mutex

	started     chan struct{}
	startedOnce sync.Once
}

// New creates a Server for cfg. Nothing is fetched or opened until Run.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   slog.Default(),
		fetcher:  fetch.New(cfg.RequestTimeout),
		gatherer: prometheus.DefaultGatherer,
		started:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pacOpts = append([]pac.Option{
		pac.WithLogger(s.logger),
		pac.WithEvalTimeout(cfg.EvalTimeout),
	}, s.pacOpts...)
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Ready reports whether the proxy is serving.
func (s *Server) Ready() bool {
	return s.State() == Serving
}

// Status names the current lifecycle state.
func (s *Server) Status() string {
	return s.State().String()
}

// Started is closed once the server is serving or has failed to start.
func (s *Server) Started() <-chan struct{} {
	return s.started
}

// Addr returns the proxy listener address, or nil before serving.
func (s *Server) Addr() net.Addr {
	if a := s.addr.Load(); a != nil {
		return a
	}
	return nil
}

// AdminAddr returns the admin listener address, or nil when disabled or
// before serving.
func (s *Server) AdminAddr() net.Addr {
	if a := s.adminAddr.Load(); a != nil {
		return a
	}
	return nil
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	if st == Serving || st == Failed {
		s.startedOnce.Do(func() { close(s.started) })
	}
}

// Run loads the PAC script and serves until ctx is canceled. Startup
// failures are returned before any listener is opened.
func (s *Server) Run(ctx context.Context) error {
	eval, err := s.load(ctx)
	if err != nil {
		s.setState(Failed)
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.setState(Failed)
		return fmt.Errorf("proxy listen: %w", err)
	}
	var adminLn net.Listener
	if s.cfg.Admin != "" {
		adminLn, err = net.Listen("tcp", s.cfg.Admin)
		if err != nil {
			_ = ln.Close()
			s.setState(Failed)
			return fmt.Errorf("admin listen: %w", err)
		}
	}

	handler := proxy.NewHandler(eval, proxy.Config{
		RequestTimeout: s.cfg.RequestTimeout,
		DialTimeout:    s.cfg.DialTimeout,
		ExtraHeaders:   s.cfg.Header(),
		Logger:         s.logger,
	})
	defer handler.Close()

	// Tunnels are hijacked, so Shutdown does not wait for them; they end
	// when connCtx is canceled after the graceful phase.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})

	var adminSrv *http.Server
	if adminLn != nil {
		adminSrv = &http.Server{
			Handler:           admin.NewRouter(s, s.gatherer, s.logger),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			if err := adminSrv.Serve(adminLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin serve: %w", err)
			}
			return nil
		})
		s.adminAddr.Store(adminLn.Addr().(*net.TCPAddr))
		s.logger.Info("admin server listening", "addr", adminLn.Addr().String())
	}

	if s.cfg.ReloadInterval > 0 {
		g.Go(func() error {
			s.reloadLoop(gctx, s.cfg.ReloadInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("proxy shutdown incomplete", "error", err)
		}
		cancelConns()
		if adminSrv != nil {
			_ = adminSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	s.addr.Store(ln.Addr().(*net.TCPAddr))
	s.setState(Serving)
	s.logger.Info("proxy server listening", "addr", ln.Addr().String(), "pac", eval.Source())

	err = g.Wait()
	s.logger.Info("shutdown complete")
	return err
}

// load fetches and compiles the PAC script, moving through Loading and
// Resolving.
func (s *Server) load(ctx context.Context) (*pac.Evaluator, error) {
	s.setState(Loading)
	opts := append([]pac.Option{pac.OnFetched(func() { s.setState(Resolving) })}, s.pacOpts...)
	eval, err := pac.New(ctx, s.cfg.PAC, s.fetcher, opts...)
	if err != nil {
		return nil, err
	}

	s.eval.Store(eval)
	metrics.PACReloadTotal.WithLabelValues("success").Inc()
	s.logger.Info("PAC script loaded", "source", s.cfg.PAC)
	return eval, nil
}

// Reload re-fetches and recompiles the PAC script. On failure the previous
// script stays active and the error is returned.
func (s *Server) Reload(ctx context.Context) error {
	eval := s.eval.Load()
	if eval == nil {
		return ErrNotServing
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := eval.Reload(ctx); err != nil {
		metrics.PACReloadTotal.WithLabelValues("failure").Inc()
		s.logger.Error("PAC reload failed, keeping previous script", "error", err, "source", eval.Source())
		return err
	}
	metrics.PACReloadTotal.WithLabelValues("success").Inc()
	s.logger.Info("PAC script reloaded", "source", eval.Source())
	return nil
}

func (s *Server) reloadLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.Reload(ctx)
		}
	}
}

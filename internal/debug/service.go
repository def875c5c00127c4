package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "stepwise/internal/runtime/supervisor"
	"stepwise/internal/storage"
	logx "stepwise/pkg/logx"
)

const (
	defaultAddr     = "127.0.0.1:6060"
	shutdownTimeout = 2 * time.Second
)

// Config controls the debug HTTP listener. A listener on anything but
// loopback needs Token, or AllowInsecure to run open.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Negative leaves the runtime setting untouched.
	MutexProfileFraction int
	BlockProfileRate     int
}

func (c Config) bindAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

// sameListener reports whether a running listener can keep serving after a
// switch from c to o.
func (c Config) sameListener(o Config) bool {
	return c.bindAddr() == o.bindAddr() &&
		c.Token == o.Token &&
		c.AllowInsecure == o.AllowInsecure &&
		c.ReadTimeout == o.ReadTimeout &&
		c.WriteTimeout == o.WriteTimeout &&
		c.IdleTimeout == o.IdleTimeout
}

// Backend is the daemon state the endpoints read and act on.
type Backend interface {
	Status() any
	RecentRuns(ctx context.Context, name string, limit int) ([]storage.RunRecord, error)
	Fire(name string) error
}

// Service runs the listener under its own supervisor so a crashing server
// is restarted without touching the rest of the daemon.
type Service struct {
	log     logx.Logger
	backend Backend
	metrics http.Handler

	// life serializes Start and Stop.
	life sync.Mutex

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
	addr string
}

// New creates a stopped service. metrics may be nil to leave /metrics unrouted.
func New(cfg Config, b Backend, metrics http.Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, backend: b, metrics: metrics, log: log.With(logx.String("comp", "debug"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, starting, stopping or restarting the listener
// when the bind settings changed. Profile rates apply immediately.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	setProfileRates(cfg)

	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || !prev.sameListener(cfg)) {
		s.Stop(ctx)
	}
	if cfg.Enabled {
		s.Start(ctx)
	}
}

func setProfileRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// Start is a no-op while disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	// Listener failures never cancel anything outside this supervisor.
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serve,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down and waits for it, at most until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	err := sup.Stop(ctx)
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("debug listener stop interrupted", logx.Err(err))
		return
	}
	s.log.Info("debug listener stopped")
}

// serve runs one listener until ctx ends or the server fails.
func (s *Service) serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return nil
	}

	addr := cfg.bindAddr()
	if err := checkBind(addr, cfg); err != nil {
		s.log.Error("debug listener refused to start", logx.String("addr", addr), logx.Err(err))
		return err
	}
	open := cfg.Token == "" && !isLoopbackAddr(addr)
	if open {
		s.log.Warn("debug listener is public and has no token", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	bound := ln.Addr().String()

	srv := &http.Server{
		Handler:      s.router(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-stopped:
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				_ = srv.Close()
			}
		}
	}()

	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	s.log.Info("debug listener started",
		logx.String("addr", bound),
		logx.Bool("token_set", cfg.Token != ""),
		logx.String("status", "http://"+bound+"/status"),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.addr == bound {
		s.addr = ""
	}
	s.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, http.ErrServerClosed):
		return errors.New("server closed while still enabled")
	default:
		return err
	}
}

// checkBind refuses a public bind without a token unless allowed.
func checkBind(addr string, cfg Config) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("debug.addr %q: %w", addr, err)
	}
	if !cfg.AllowInsecure && strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		return errors.New("debug: non-loopback addr needs a token or allow_insecure")
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		// Empty host binds every interface.
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}

// Package observability serves health, Prometheus metrics and optionally
// pprof over HTTP.
package observability

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"timerbot/internal/runtime/supervisor"
	"timerbot/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:9090"
	pprofPrefix = "/debug/pprof/"
)

// Config controls the server.
//
// Security: prefer a loopback address. A non-loopback bind needs Token or
// AllowInsecure, otherwise the server refuses to start.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Health is the /healthz body.
type Health struct {
	Status     string             `json:"status"`
	Uptime     string             `json:"uptime"`
	Timers     int                `json:"timers"`
	Goroutines []supervisor.Stats `json:"goroutines,omitempty"`
}

// Handlers are the application hooks the server exposes. Nil entries are
// not routed.
type Handlers struct {
	Metrics http.Handler
	Health  func() Health
}

type Service struct {
	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	handlers Handlers

	activated net.Listener
	ln        net.Listener
	srv       *http.Server
	sup       *supervisor.Supervisor
}

func New(cfg Config, h Handlers, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, handlers: h, log: log}
}

// UseListener makes the next start serve on ln instead of binding Addr,
// for socket activation.
func (s *Service) UseListener(ln net.Listener) {
	s.mu.Lock()
	s.activated = ln
	s.mu.Unlock()
}

// Addr reports the bound address while serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start runs the server under a restart loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// optional surface; never take the bot down
		supervisor.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		supervisor.WithPublishError(true),
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = srv.Close()
		}
	}
	_ = sup.Wait(ctx)
	s.log.Info("observability server stopped")
}

// Reconfigure applies cfg, restarting the server when anything that
// affects the listener or routes changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	pre := s.activated
	s.activated = nil
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if pre == nil && !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("observability server refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		// retrying cannot fix the config
		return context.Canceled
	}

	ln := pre
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			s.log.Warn("observability listen failed", logx.String("addr", addr), logx.Err(err))
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.routes(cur),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("observability server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("observability server exited unexpectedly")
	}
	return err
}

func (s *Service) routes(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	health := s.handlers.Health
	mux.Handle("/healthz", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health())
	})))
	if s.handlers.Metrics != nil {
		mux.Handle("/metrics", wrap(s.handlers.Metrics))
	}
	if cfg.Pprof {
		mux.Handle(pprofPrefix, wrap(http.HandlerFunc(hpprof.Index)))
		mux.Handle(pprofPrefix+"cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle(pprofPrefix+"profile", wrap(http.HandlerFunc(hpprof.Profile)))
		mux.Handle(pprofPrefix+"symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle(pprofPrefix+"trace", wrap(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

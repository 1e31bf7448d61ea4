// Package httpserver runs the worker's HTTP listeners (admin, metrics,
// websocket) under a supervisor so a failed listener restarts with backoff.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "recworker/internal/runtime/supervisor"
	logx "recworker/pkg/logx"
)

// Config controls one listener.
//
// Security:
//   - Prefer binding to localhost.
//   - A non-loopback address requires Token or AllowInsecure.
type Config struct {
	Name          string
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrInsecureBind = errors.New("refused to start: non-loopback addr requires token or allow_insecure")

type Server struct {
	log     logx.Logger
	cfg     Config
	handler http.Handler

	mu    sync.Mutex
	ln    net.Listener
	srv   *http.Server
	ready chan struct{}
	once  sync.Once
}

func New(cfg Config, h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	return &Server{
		log:     log.With(logx.String("comp", cfg.Name)),
		cfg:     cfg,
		handler: WithAuth(cfg.Token, h),
		ready:   make(chan struct{}),
	}
}

// Start serves under sup until sup is cancelled.
func (s *Server) Start(sup *rtsup.Supervisor) {
	sup.GoRestart("http."+s.cfg.Name, s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Ready is closed once the listener is bound for the first time.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr reports the bound address, or "" before the listener is up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully stops the current listener. The supervisor loop must be
// cancelled separately or it will serve again.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) serveOnce(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if err := CheckBind(s.cfg); err != nil {
		s.log.Error("listener refused to start", logx.String("addr", addr), logx.Err(err))
		return err
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("listening without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http listener started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// CheckBind rejects a tokenless non-loopback listener unless AllowInsecure is set.
func CheckBind(cfg Config) error {
	if cfg.AllowInsecure || strings.TrimSpace(cfg.Token) != "" || isLoopbackAddr(strings.TrimSpace(cfg.Addr)) {
		return nil
	}
	return fmt.Errorf("%s %s: %w", cfg.Name, cfg.Addr, ErrInsecureBind)
}

// WithAuth requires "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func WithAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h.ServeHTTP(w, r)
				return
			}
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// MountPprof registers net/http/pprof under prefix (default /debug/pprof/).
func MountPprof(mux *http.ServeMux, prefix string) {
	prefix = normalizePrefix(prefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, pprofIndexAt(prefix))
	mux.HandleFunc(base+"/cmdline", hpprof.Cmdline)
	mux.HandleFunc(base+"/profile", hpprof.Profile)
	mux.HandleFunc(base+"/symbol", hpprof.Symbol)
	mux.HandleFunc(base+"/trace", hpprof.Trace)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
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

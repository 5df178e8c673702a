// Package httpapi serves the Telegram webhook, a health probe and optional pprof endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "shroombot/internal/runtime/supervisor"
	logx "shroombot/pkg/logx"
)

const DefaultMaxBodyBytes = 1 << 20

// Submitter accepts one raw update body. It must not block on processing.
type Submitter interface {
	Submit(raw []byte) bool
}

type Config struct {
	Addr string
	// WebhookSecret is the path capability in POST /webhook/{token}.
	// Empty disables the webhook route.
	WebhookSecret string
	MaxBodyBytes  int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof PprofConfig
}

type PprofConfig struct {
	Enabled bool
	Prefix  string
	Token   string
}

type Server struct {
	mu   sync.Mutex
	cfg  Config
	sub  Submitter
	log  logx.Logger
	sup  *rtsup.Supervisor
	srv  *http.Server
	addr string
	up   chan struct{}
}

func New(cfg Config, sub Submitter, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{cfg: cfg, sub: sub, log: log.With(logx.String("comp", "httpapi")), up: make(chan struct{})}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w)
	})
	if s.cfg.WebhookSecret != "" {
		mux.HandleFunc("POST /webhook/{token}", s.handleWebhook)
	}
	if s.cfg.Pprof.Enabled {
		s.mountPprof(mux)
	}
	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !secretEqual(r.PathValue("token"), s.cfg.WebhookSecret) {
		http.NotFound(w, r)
		return
	}
	// Telegram echoes the secret in this header when one was registered.
	if h := r.Header.Get("X-Telegram-Bot-Api-Secret-Token"); h != "" && !secretEqual(h, s.cfg.WebhookSecret) {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.log.Warn("webhook body rejected", logx.Err(err), logx.String("remote", r.RemoteAddr))
	} else {
		s.sub.Submit(body)
	}
	// Never reflect processing outcome; Telegram would redeliver.
	writeOK(w)
}

func (s *Server) mountPprof(mux *http.ServeMux) {
	prefix := strings.TrimSpace(s.cfg.Pprof.Prefix)
	if prefix == "" {
		prefix = "/debug/pprof/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	base := strings.TrimSuffix(prefix, "/")
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withToken(s.cfg.Pprof.Token, h) }

	// pprof.Index resolves profile names relative to /debug/pprof/.
	mux.HandleFunc(prefix, wrap(func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
}

func withToken(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if !secretEqual(got, tok) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start serves under a restart supervisor. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.up }

// Addr is the bound listen address, empty before Ready.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	select {
	case <-s.up:
	default:
		close(s.up)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("webhook", s.cfg.WebhookSecret != ""),
		logx.Bool("pprof", s.cfg.Pprof.Enabled),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	// Cancel first so the serve loop treats the shutdown as a clean stop.
	sup.Cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}
	err := sup.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.log.Info("http server stopped")
	return err
}

// Package admin serves the optional operator endpoint: a liveness probe, a
// JSON snapshot of the pipeline, a query over archived batches and, on
// request, net/http/pprof.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"batchlog/internal/runtime/supervisor"
	"batchlog/internal/storage"
	"batchlog/pkg/logx"
)

const (
	pprofPrefix = "/debug/pprof/"

	defaultBatchLimit = 100
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// StatsFunc returns the value rendered by /stats.
type StatsFunc func() any

// Archive answers /batches.
type Archive interface {
	QueryBatches(ctx context.Context, q storage.Query) ([]storage.BatchRecord, error)
}

type Service struct {
	mu    sync.Mutex
	log   logx.Logger
	cfg     Config
	stats   StatsFunc
	archive Archive

	ln       net.Listener
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, stats StatsFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, stats: stats, log: log}
}

// SetArchive enables /batches; nil disables it.
func (s *Service) SetArchive(a Archive) {
	s.mu.Lock()
	s.archive = a
	s.mu.Unlock()
}

// Addr returns the bound address, or "" while not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server as
// needed. It is safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent; the server runs under a restart loop until Stop.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		// Never let the admin endpoint take the pipeline down.
		s.sup = supervisor.New(context.WithoutCancel(ctx),
			supervisor.WithLogger(s.log),
			supervisor.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("admin.serve", s.serveOnce,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		sup.Cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("admin stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:     s.handler(cur),
		ReadTimeout: cur.ReadTimeout,
		IdleTimeout: cur.IdleTimeout,
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

	s.log.Info("admin started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cur.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/stats", wrap(func(w http.ResponseWriter, _ *http.Request) {
		var v any
		if s.stats != nil {
			v = s.stats()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	}))
	mux.HandleFunc("/batches", wrap(s.serveBatches))

	if cur.Pprof {
		mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
		mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
		mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	}
	return mux
}

// serveBatches runs a storage.Query built from dest, min_level, since,
// until and limit. since and until take RFC 3339 or a duration back from now.
func (s *Service) serveBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	arch := s.archive
	s.mu.Unlock()
	if arch == nil {
		http.Error(w, "batch archive disabled", http.StatusNotFound)
		return
	}

	q, err := batchQuery(r.URL.Query(), time.Now())
	if err == nil {
		err = q.Validate()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := arch.QueryBatches(r.Context(), q)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidQuery) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.Warn("batch query failed", logx.Err(err))
		http.Error(w, "batch archive unavailable", http.StatusServiceUnavailable)
		return
	}
	if recs == nil {
		recs = []storage.BatchRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

func batchQuery(v url.Values, now time.Time) (storage.Query, error) {
	q := storage.Query{
		Destination: strings.TrimSpace(v.Get("dest")),
		MinLevel:    strings.TrimSpace(v.Get("min_level")),
		Limit:       defaultBatchLimit,
	}
	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit: want a non-negative integer, got %q", raw)
		}
		q.Limit = n
	}
	var err error
	if q.Since, err = storage.ParseWhen(v.Get("since"), now); err != nil {
		return q, fmt.Errorf("since: %w", err)
	}
	if q.Until, err = storage.ParseWhen(v.Get("until"), now); err != nil {
		return q, fmt.Errorf("until: %w", err)
	}
	return q, nil
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// Package ops exposes the gate's observability surface over a small HTTP
// server intended for localhost/debug use: budget snapshot, canary metrics,
// the suppression log, and pprof.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"noisegate/internal/eventbus"
	"noisegate/internal/gate"
	logx "noisegate/pkg/logx"
)

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	gate *gate.Service
	bus  eventbus.Bus

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, g *gate.Service, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, gate: g, bus: bus, log: log}
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if prev.Addr != cfg.Addr || prev.Token != cfg.Token || prev.AllowInsecure != cfg.AllowInsecure ||
		prev.ReadTimeout != cfg.ReadTimeout || prev.WriteTimeout != cfg.WriteTimeout || prev.IdleTimeout != cfg.IdleTimeout {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6475"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn("ops listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	// Guardrail: binding beyond loopback requires a token or an explicit opt-in.
	if !isLoopback(ln.Addr()) && s.cfg.Token == "" && !s.cfg.AllowInsecure {
		s.log.Error("ops server bound to non-loopback address without token; refusing to serve",
			logx.String("addr", ln.Addr().String()))
		_ = ln.Close()
		return
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	s.log.Info("ops server stopped")
}

// Addr returns the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/api/v1/snapshot", s.auth(s.handleSnapshot))
	mux.HandleFunc("/api/v1/canary", s.auth(s.handleCanary))
	mux.HandleFunc("/api/v1/suppressions", s.auth(s.handleSuppressions))

	mux.HandleFunc("/debug/pprof/", s.auth(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", s.auth(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", s.auth(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", s.auth(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", s.auth(hpprof.Trace))
	return mux
}

func (s *Service) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.cfg.Token
		s.mu.Unlock()
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.gate.Snapshot()
	resp := struct {
		gate.Snapshot
		BusDrops uint64 `json:"bus_drops"`
	}{Snapshot: snap}
	if s.bus != nil {
		resp.BusDrops = s.bus.Drops()
	}
	writeJSON(w, resp)
}

func (s *Service) handleCanary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.gate.CanaryMetrics())
}

func (s *Service) handleSuppressions(w http.ResponseWriter, r *http.Request) {
	q := gate.SuppressionQuery{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since (want RFC3339)", http.StatusBadRequest)
			return
		}
		q.Since = t
	}
	writeJSON(w, s.gate.SuppressionLog(q))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcp.IP.IsLoopback()
}

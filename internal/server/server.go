// Package server exposes the HTTP control plane: session listing, pairing,
// logout, broadcast dispatch and the live event stream.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"wafleet/internal/services/broadcast"
	"wafleet/internal/services/notify"
	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

type Config struct {
	Addr  string
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sessions is the slice of the session manager the API needs.
type Sessions interface {
	List() []session.Snapshot
	StartPairing(phoneNumber, channelID string) error
	Logout(ctx context.Context, id string) error
}

// Dispatcher is the slice of the broadcast service the API needs.
type Dispatcher interface {
	Dispatch(message string, targets []string, delay time.Duration) (string, error)
	Status(id string) (broadcast.JobStatus, bool)
	Cancel(id string) bool
}

// EventSource hands out notification channels for the SSE stream.
type EventSource interface {
	Register(buffer int) (string, <-chan notify.Event, func())
	Known(id string) bool
}

type Service struct {
	cfg      Config
	log      logx.Logger
	sessions Sessions
	caster   Dispatcher
	events   EventSource

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, sessions Sessions, caster Dispatcher, events EventSource, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8192"
	}
	return &Service{cfg: cfg, log: log, sessions: sessions, caster: caster, events: events}
}

func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout, // 0 keeps SSE streams open
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.ln = ln
	s.srv = srv

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped with error", logx.Err(err))
		}
	}()

	s.log.Info("api server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		// Shutdown hangs while SSE clients are attached; force-close them.
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("api server stopped")
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/sessions", s.auth(s.handleSessions))
	mux.HandleFunc("POST /api/pair", s.auth(s.handlePair))
	mux.HandleFunc("POST /api/logout", s.auth(s.handleLogout))
	mux.HandleFunc("POST /api/broadcast", s.auth(s.handleBroadcast))
	mux.HandleFunc("GET /api/broadcast", s.auth(s.handleBroadcastStatus))
	mux.HandleFunc("POST /api/broadcast/cancel", s.auth(s.handleBroadcastCancel))
	mux.HandleFunc("GET /api/events", s.auth(s.handleEvents))

	return s.logRequests(mux)
}

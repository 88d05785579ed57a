package broadcast

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

func New(cfg Config, dir *session.Directory, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:  cfg,
		dir:  dir,
		log:  log,
		jobs: map[string]*jobState{},
	}
	s.limiter = rate.NewLimiter(rate.Limit(effectiveRPS(cfg)), effectiveRPS(cfg))
	return s
}

func effectiveRPS(cfg Config) int {
	if cfg.RatePerSec <= 0 {
		return 10
	}
	return cfg.RatePerSec
}

// Apply swaps pacing settings at runtime. In-flight jobs pick up the new
// limiter on their next send.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(effectiveRPS(cfg)), effectiveRPS(cfg))
}

// Start arms the service. Jobs dispatched before Start are rejected.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.log.Info("service started", logx.Int("rps", effectiveRPS(s.cfg)))
}

// Stop cancels all in-flight jobs and waits for them, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	cancel := s.runCancel
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		// stop continues in background
	}
}

func (s *Service) defaultDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultDelay
}

func (s *Service) currentLimiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

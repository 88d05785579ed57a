// Package alerts pushes one-line operator notices to a Telegram chat:
// session linked/logged out, pairing gave up, broadcasts that finished
// with failures. Delivery is best-effort, rate-limited, and never blocks
// the caller.
package alerts

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "wafleet/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the service. A disabled config (or empty token) yields a
// functional no-op service so callers never need nil checks.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		queue:   make(chan string, 64),
		limiter: newLimiter(cfg),
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.Token) == "" {
		return s, nil
	}

	// Send-only bot: no poller is ever started.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	s.bot = bot
	return s, nil
}

func newLimiter(cfg Config) *rate.Limiter {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot != nil && s.cfg.Enabled && s.cfg.ChatID != 0
}

// Apply updates target chat and pacing. Token changes require a restart of
// the process; they are logged and otherwise ignored.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Token != s.cfg.Token {
		s.log.Warn("alerts token change ignored until restart")
		cfg.Token = s.cfg.Token
	}
	s.cfg = cfg
	s.limiter = newLimiter(cfg)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot == nil || s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(runCtx)
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
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
	case <-ctx.Done():
	}
}

// Notify enqueues a notice. Full queue or disabled service drops silently.
func (s *Service) Notify(text string) {
	if !s.Enabled() {
		return
	}
	select {
	case s.queue <- text:
	default:
		s.log.Debug("alert dropped (queue full)")
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.queue:
			s.mu.Lock()
			bot := s.bot
			lim := s.limiter
			chatID := s.cfg.ChatID
			threadID := s.cfg.ThreadID
			s.mu.Unlock()

			if bot == nil || chatID == 0 {
				continue
			}
			if err := lim.Wait(ctx); err != nil {
				return
			}
			_, err := bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
				ThreadID:              threadID,
				DisableWebPagePreview: true,
			})
			if err != nil {
				s.log.Warn("alert send failed", logx.Err(err))
			}
		}
	}
}

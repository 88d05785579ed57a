// Package scheduler fires recurring broadcasts defined in config: each job
// carries a schedule (cron, interval or HH:MM), a message, a target list
// and an inter-send delay, and is handed to the broadcast dispatcher when
// it fires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wafleet/internal/services/broadcast"
	logx "wafleet/pkg/logx"
)

// Dispatcher is the slice of the broadcast service the scheduler needs.
type Dispatcher interface {
	Dispatch(message string, targets []string, delay time.Duration) (string, error)
}

type JobConfig struct {
	Name     string
	Schedule string
	Message  string
	Targets  []string
	Delay    time.Duration
}

type Config struct {
	Enabled  bool
	Timezone string
	Jobs     []JobConfig
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	dispatch Dispatcher
	parser   cron.Parser
	c        *cron.Cron
}

func New(cfg Config, dispatch Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		dispatch: dispatch,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks every job without registering anything. Used by the
// config validator so a bad hot-reload is rejected before commit.
func Validate(cfg Config, parser cron.Parser) error {
	for i, j := range cfg.Jobs {
		if strings.TrimSpace(j.Message) == "" {
			return fmt.Errorf("scheduler.jobs[%d]: message required", i)
		}
		if len(j.Targets) == 0 {
			return fmt.Errorf("scheduler.jobs[%d]: targets required", i)
		}
		spec, err := ParseSchedule(j.Schedule)
		if err != nil {
			return fmt.Errorf("scheduler.jobs[%d]: %w", i, err)
		}
		if spec.Kind == SpecCron {
			if _, err := parser.Parse(spec.Cron); err != nil {
				return fmt.Errorf("scheduler.jobs[%d]: invalid cron %q: %w", i, spec.Cron, err)
			}
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}

// Parser exposes the cron parser used for registration, for validation.
func (s *Service) Parser() cron.Parser { return s.parser }

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid scheduler timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	registered := 0
	for _, j := range s.cfg.Jobs {
		if err := s.registerLocked(j); err != nil {
			s.log.Error("skipping scheduled broadcast", logx.String("name", j.Name), logx.Err(err))
			continue
		}
		registered++
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("jobs", registered))
}

func (s *Service) registerLocked(j JobConfig) error {
	spec, err := ParseSchedule(j.Schedule)
	if err != nil {
		return err
	}

	name := j.Name
	if name == "" {
		name = "broadcast"
	}
	fire := cron.FuncJob(func() { s.fire(name, j) })

	switch spec.Kind {
	case SpecCron:
		if _, err := s.c.AddJob(spec.Cron, fire); err != nil {
			return err
		}
	case SpecInterval:
		s.c.Schedule(cron.Every(spec.Every), fire)
	}
	return nil
}

func (s *Service) fire(name string, j JobConfig) {
	id, err := s.dispatch.Dispatch(j.Message, j.Targets, j.Delay)
	switch {
	case errors.Is(err, broadcast.ErrNoSession):
		s.log.Warn("scheduled broadcast skipped (no live session)", logx.String("name", name))
	case err != nil:
		s.log.Error("scheduled broadcast failed", logx.String("name", name), logx.Err(err))
	default:
		s.log.Info("scheduled broadcast fired", logx.String("name", name), logx.String("job", id), logx.Int("targets", len(j.Targets)))
	}
}

// Apply replaces the job set. The cron runner is rebuilt; in-flight
// broadcast runs are unaffected.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasRunning := s.c != nil
	s.cfg = cfg
	if !wasRunning {
		return
	}
	stop := s.c.Stop()
	s.c = nil
	<-stop.Done()
	if cfg.Enabled {
		s.startLocked()
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stop := c.Stop()
	select {
	case <-stop.Done():
	case <-ctx.Done():
	}
}

package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	logx "wafleet/pkg/logx"
)

// ErrNoSession is returned when the directory holds no live session at
// dispatch time. Nothing is sent in that case.
var ErrNoSession = errors.New("no available session")

// ErrNotRunning is returned when the service is stopped (or never started).
var ErrNotRunning = errors.New("broadcast service not running")

// Dispatch snapshots the directory, acknowledges immediately with a job id,
// and runs the send sequence in the background.
func (s *Service) Dispatch(message string, targets []string, delay time.Duration) (string, error) {
	snapshot := s.dir.Sessions()
	if len(snapshot) == 0 {
		return "", ErrNoSession
	}
	if delay < 0 {
		delay = 0
	}
	if delay == 0 {
		delay = s.defaultDelay()
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return "", ErrNotRunning
	}

	now := time.Now()
	id := "bc-" + uuid.NewString()

	ids := make([]string, len(snapshot))
	for i, sess := range snapshot {
		ids[i] = sess.ID
	}

	jobCtx, cancel := context.WithCancel(runCtx)
	st := &jobState{
		status: JobStatus{
			ID:        id,
			Total:     len(targets),
			Sessions:  ids,
			Delay:     delay,
			CreatedAt: now,
		},
		cancel: cancel,
	}

	s.jobsMu.Lock()
	s.pruneLocked(now)
	s.jobs[id] = st
	s.jobsMu.Unlock()

	s.log.Info("broadcast dispatched",
		logx.String("job", id),
		logx.Int("targets", len(targets)),
		logx.Int("sessions", len(snapshot)),
		logx.Duration("delay", delay),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(jobCtx, id, message, targets, snapshot, delay)
	}()

	return id, nil
}

// Status returns a copy of the collected job outcome.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	st, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := st.status
	cp.Sessions = append([]string(nil), st.status.Sessions...)
	return cp, true
}

// Cancel aborts an in-flight job. Canceling a finished or unknown job
// reports false.
func (s *Service) Cancel(id string) bool {
	s.jobsMu.RLock()
	st, ok := s.jobs[id]
	s.jobsMu.RUnlock()
	if !ok || !st.status.Running {
		return false
	}
	st.cancel()
	return true
}

// pruneLocked drops finished jobs beyond the retention bounds.
// Caller holds jobsMu.
func (s *Service) pruneLocked(now time.Time) {
	max := s.cfg.HistoryMax
	if max <= 0 {
		max = 100
	}
	ttl := s.cfg.HistoryTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	for id, st := range s.jobs {
		if st.status.Running {
			continue
		}
		ref := st.status.DoneAt
		if ref.IsZero() {
			ref = st.status.CreatedAt
		}
		if now.Sub(ref) > ttl {
			delete(s.jobs, id)
		}
	}
	if len(s.jobs) <= max {
		return
	}
	// Over cap: drop oldest finished entries first.
	for id, st := range s.jobs {
		if len(s.jobs) <= max {
			break
		}
		if !st.status.Running {
			delete(s.jobs, id)
		}
	}
}

package broadcast

import (
	"context"
	"time"

	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

func (s *Service) run(ctx context.Context, id, message string, targets []string, snapshot []*session.Session, delay time.Duration) {
	start := time.Now()
	s.setRunning(id)

	for i, raw := range targets {
		if ctx.Err() != nil {
			s.markCanceled(id)
			break
		}

		sess := snapshot[i%len(snapshot)]
		if err := s.sendOne(ctx, id, sess, raw, message); err != nil {
			if ctx.Err() != nil {
				s.markCanceled(id)
				break
			}
			// Best-effort: count the failure and move on.
			s.markFail(id)
		}
		s.markDone(id)

		// The delay applies after every attempt, including the last.
		if !sleep(ctx, delay) {
			s.markCanceled(id)
			break
		}
	}

	st := s.finish(id)

	fields := []logx.Field{
		logx.String("job", id),
		logx.Int("total", st.Total),
		logx.Int("done", st.Done),
		logx.Int("failed", st.Failed),
		logx.Bool("canceled", st.Canceled),
		logx.Duration("dur", time.Since(start)),
	}
	if st.Failed > 0 {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Info("broadcast finished", fields...)
	}

	if cb := s.OnDone; cb != nil {
		cb(st)
	}
}

func (s *Service) sendOne(ctx context.Context, jobID string, sess *session.Session, rawTarget, message string) error {
	if lim := s.currentLimiter(); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	recipient := session.NormalizeNumber(rawTarget)
	err := sess.Client.SendText(ctx, recipient, message)
	if err != nil {
		s.log.Debug("broadcast send failed",
			logx.String("job", jobID),
			logx.String("session", sess.ID),
			logx.String("target", recipient),
			logx.Err(err),
		)
	}
	return err
}

// sleep waits d unless ctx is canceled first. Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) setRunning(id string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if st := s.jobs[id]; st != nil {
		st.status.StartedAt = time.Now()
		st.status.Running = true
	}
}

func (s *Service) markDone(id string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if st := s.jobs[id]; st != nil {
		st.status.Done++
	}
}

func (s *Service) markFail(id string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if st := s.jobs[id]; st != nil {
		st.status.Failed++
	}
}

func (s *Service) markCanceled(id string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if st := s.jobs[id]; st != nil {
		st.status.Canceled = true
	}
}

func (s *Service) finish(id string) JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	st := s.jobs[id]
	if st == nil {
		return JobStatus{ID: id}
	}
	st.status.DoneAt = time.Now()
	st.status.Running = false
	cp := st.status
	cp.Sessions = append([]string(nil), st.status.Sessions...)
	return cp
}

package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wafleet/internal/protocol"
	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

// recorderClient is a protocol.Client that records SendText calls.
type recorderClient struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
	events  chan protocol.ConnectionUpdate
}

func newRecorderClient() *recorderClient {
	return &recorderClient{events: make(chan protocol.ConnectionUpdate)}
}

func (c *recorderClient) Registered() bool { return true }

func (c *recorderClient) Connect(_ context.Context) error { return nil }

func (c *recorderClient) RequestPairingCode(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (c *recorderClient) Logout(_ context.Context) error { return nil }

func (c *recorderClient) Events() <-chan protocol.ConnectionUpdate { return c.events }

func (c *recorderClient) Close() {}

func (c *recorderClient) SendText(_ context.Context, recipient, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, recipient)
	return nil
}

func (c *recorderClient) recipients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func testService(t *testing.T, dir *session.Directory, cfg Config) *Service {
	t.Helper()
	s := New(cfg, dir, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(ctx)
		cancel()
	})
	return s
}

func waitJobDone(t *testing.T, s *Service, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := s.Status(id)
		if ok && !st.Running && !st.DoneAt.IsZero() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return JobStatus{}
}

func TestDispatchRequiresLiveSession(t *testing.T) {
	t.Parallel()

	s := testService(t, session.NewDirectory(), Config{})
	if _, err := s.Dispatch("hi", []string{"100"}, 0); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestDispatchRequiresRunningService(t *testing.T) {
	t.Parallel()

	dir := session.NewDirectory()
	dir.Upsert(&session.Session{ID: "session_111", Client: newRecorderClient()})

	s := New(Config{}, dir, logx.Nop())
	if _, err := s.Dispatch("hi", []string{"100"}, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestDispatchRoundRobin(t *testing.T) {
	t.Parallel()

	a := newRecorderClient()
	b := newRecorderClient()
	dir := session.NewDirectory()
	dir.Upsert(&session.Session{ID: "session_111", PhoneNumber: "111", Client: a})
	dir.Upsert(&session.Session{ID: "session_222", PhoneNumber: "222", Client: b})

	s := testService(t, dir, Config{RatePerSec: 1000})

	id, err := s.Dispatch("hello", []string{"100", "(200)", "+300"}, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	st := waitJobDone(t, s, id)

	if st.Total != 3 || st.Done != 3 || st.Failed != 0 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Sessions) != 2 || st.Sessions[0] != "session_111" || st.Sessions[1] != "session_222" {
		t.Fatalf("sessions = %v", st.Sessions)
	}

	// Targets rotate across sessions in a fixed id order, and recipients
	// are normalized to bare digits.
	if got := a.recipients(); len(got) != 2 || got[0] != "100" || got[1] != "300" {
		t.Fatalf("session_111 sent %v", got)
	}
	if got := b.recipients(); len(got) != 1 || got[0] != "200" {
		t.Fatalf("session_222 sent %v", got)
	}
}

func TestDispatchSnapshotIgnoresLaterDirectoryChanges(t *testing.T) {
	t.Parallel()

	a := newRecorderClient()
	dir := session.NewDirectory()
	dir.Upsert(&session.Session{ID: "session_111", PhoneNumber: "111", Client: a})

	s := testService(t, dir, Config{RatePerSec: 1000})

	id, err := s.Dispatch("hello", []string{"1", "2", "3", "4"}, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// A session joining mid-job must not receive any of this job's sends.
	late := newRecorderClient()
	dir.Upsert(&session.Session{ID: "session_000", PhoneNumber: "000", Client: late})

	st := waitJobDone(t, s, id)
	if st.Done != 4 {
		t.Fatalf("done = %d", st.Done)
	}
	if len(a.recipients()) != 4 {
		t.Fatalf("session_111 sent %v", a.recipients())
	}
	if len(late.recipients()) != 0 {
		t.Fatalf("late session received sends: %v", late.recipients())
	}
}

func TestSendFailuresAreCountedNotFatal(t *testing.T) {
	t.Parallel()

	a := newRecorderClient()
	a.sendErr = errors.New("not on whatsapp")
	dir := session.NewDirectory()
	dir.Upsert(&session.Session{ID: "session_111", PhoneNumber: "111", Client: a})

	s := testService(t, dir, Config{RatePerSec: 1000})

	id, err := s.Dispatch("hello", []string{"1", "2"}, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	st := waitJobDone(t, s, id)
	if st.Done != 2 || st.Failed != 2 || st.Canceled {
		t.Fatalf("status = %+v", st)
	}
}

func TestCancelStopsJob(t *testing.T) {
	t.Parallel()

	a := newRecorderClient()
	dir := session.NewDirectory()
	dir.Upsert(&session.Session{ID: "session_111", PhoneNumber: "111", Client: a})

	s := testService(t, dir, Config{RatePerSec: 1000})

	targets := make([]string, 50)
	for i := range targets {
		targets[i] = "100"
	}
	id, err := s.Dispatch("hello", targets, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Let it make some progress, then cancel.
	time.Sleep(30 * time.Millisecond)
	if !s.Cancel(id) {
		t.Fatal("Cancel returned false for a running job")
	}

	st := waitJobDone(t, s, id)
	if !st.Canceled {
		t.Fatalf("status = %+v, want canceled", st)
	}
	if st.Done >= st.Total {
		t.Fatalf("done = %d of %d, expected early stop", st.Done, st.Total)
	}

	// A finished job cannot be canceled again.
	if s.Cancel(id) {
		t.Fatal("Cancel returned true for a finished job")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	s := testService(t, session.NewDirectory(), Config{})
	if _, ok := s.Status("bc-missing"); ok {
		t.Fatal("Status reported an unknown job")
	}
	if s.Cancel("bc-missing") {
		t.Fatal("Cancel reported an unknown job")
	}
}

func TestOnDoneCallback(t *testing.T) {
	t.Parallel()

	a := newRecorderClient()
	dir := session.NewDirectory()
	dir.Upsert(&session.Session{ID: "session_111", PhoneNumber: "111", Client: a})

	s := testService(t, dir, Config{RatePerSec: 1000})
	got := make(chan JobStatus, 1)
	s.OnDone = func(st JobStatus) { got <- st }

	id, err := s.Dispatch("hello", []string{"1"}, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case st := <-got:
		if st.ID != id || st.Done != 1 {
			t.Fatalf("callback status = %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDone not called")
	}
}

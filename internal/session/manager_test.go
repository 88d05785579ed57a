package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wafleet/internal/protocol"
	"wafleet/internal/services/notify"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

// ---- fakes ----

type memStore struct {
	mu     sync.Mutex
	creds  map[string][]byte
	audits []storage.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{creds: map[string][]byte{}}
}

func (s *memStore) SaveCredentials(_ context.Context, id string, bundle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = append([]byte(nil), bundle...)
	return nil
}

func (s *memStore) LoadCredentials(_ context.Context, id string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.creds[id]
	return b, ok, nil
}

func (s *memStore) DeleteCredentials(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

func (s *memStore) ListCredentialIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.creds))
	for id := range s.creds {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[id]
	return ok
}

type fakeClient struct {
	registered bool
	code       string
	codeErr    error

	mu        sync.Mutex
	closed    bool
	done      bool
	pairCalls int
	events    chan protocol.ConnectionUpdate
	save      protocol.SaveFunc
}

func newFakeClient(registered bool) *fakeClient {
	return &fakeClient{
		registered: registered,
		code:       "ABCD-1234",
		events:     make(chan protocol.ConnectionUpdate, 8),
	}
}

func (c *fakeClient) Registered() bool { return c.registered }

func (c *fakeClient) Connect(_ context.Context) error { return nil }

func (c *fakeClient) RequestPairingCode(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	c.pairCalls++
	c.mu.Unlock()
	if c.codeErr != nil {
		return "", c.codeErr
	}
	return c.code, nil
}

func (c *fakeClient) SendText(_ context.Context, _, _ string) error { return nil }

func (c *fakeClient) Logout(_ context.Context) error {
	c.emit(protocol.ConnectionUpdate{State: protocol.StateClosed, Reason: protocol.CloseLoggedOut})
	return nil
}

func (c *fakeClient) Events() <-chan protocol.ConnectionUpdate { return c.events }

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if !c.done {
		c.done = true
		close(c.events)
	}
}

func (c *fakeClient) emit(upd protocol.ConnectionUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	if upd.State == protocol.StateClosed {
		c.done = true
		c.events <- upd
		close(c.events)
		return
	}
	c.events <- upd
}

func (c *fakeClient) emitOpen() {
	c.emit(protocol.ConnectionUpdate{State: protocol.StateOpen})
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	next    func() *fakeClient
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _ protocol.Credentials, save protocol.SaveFunc) (protocol.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := d.next()
	c.save = save
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

// ---- helpers ----

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		SettleDelay:     10 * time.Millisecond,
		RetryBackoffMin: 10 * time.Millisecond,
		RetryBackoffMax: 20 * time.Millisecond,
	}
}

func startManager(t *testing.T, cfg ManagerConfig, store storage.Store, dial protocol.Dialer, hub *notify.Hub) *Manager {
	t.Helper()
	m := NewManager(cfg, NewDirectory(), store, dial, hub, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		m.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return m
}

func waitEvent(t *testing.T, ch <-chan notify.Event, eventType string) notify.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", eventType)
			}
			if e.Type == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", eventType)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---- tests ----

func TestPairingFlowDeliversCodeAndLinks(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	chID, events, unsub := hub.Register(16)
	defer unsub()

	store := newMemStore()
	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(false) }}
	m := startManager(t, testManagerConfig(), store, dial, hub)

	if err := m.StartPairing("+1 (555) 000-1111", chID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}

	e := waitEvent(t, events, notify.EventPairingCode)
	data, ok := e.Data.(map[string]string)
	if !ok || data["code"] != "ABCD-1234" {
		t.Fatalf("pairing-code payload = %#v", e.Data)
	}

	// Pairing completes: the account owner enters the code and the
	// connection opens.
	cli := dial.client(0)
	cli.save(protocol.Credentials{SessionID: "session_15550001111", JID: "15550001111:1@s.whatsapp.net"})
	cli.emitOpen()

	waitEvent(t, events, notify.EventLinkSuccess)
	waitEvent(t, events, notify.EventSessionList)

	if st, ok := m.Status("session_15550001111"); !ok || st != StatusOpen {
		t.Fatalf("Status = %v, %v", st, ok)
	}
	if len(m.List()) != 1 {
		t.Fatalf("List len = %d", len(m.List()))
	}
	waitFor(t, "credentials persisted", func() bool { return store.has("session_15550001111") })
}

func TestRegisteredClientSkipsPairingCode(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	chID, events, unsub := hub.Register(16)
	defer unsub()

	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}
	m := startManager(t, testManagerConfig(), newMemStore(), dial, hub)

	if err := m.StartPairing("4915512345678", chID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	dial.client(0).emitOpen()
	waitEvent(t, events, notify.EventLinkSuccess)

	// Give the settle window time to elapse; no code request may happen.
	time.Sleep(30 * time.Millisecond)
	if n := dial.client(0).pairCalls; n != 0 {
		t.Fatalf("pairCalls = %d, want 0", n)
	}
	_ = m
}

func TestLoggedOutCloseIsTerminal(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	store := newMemStore()
	_ = store.SaveCredentials(context.Background(), "session_777",
		[]byte(`{"session_id":"session_777","jid":"777:1@s.whatsapp.net"}`))

	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}
	m := startManager(t, testManagerConfig(), store, dial, hub)

	if err := m.StartPairing("777", ""); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	dial.client(0).emitOpen()
	waitFor(t, "session linked", func() bool { return len(m.List()) == 1 })

	dial.client(0).emit(protocol.ConnectionUpdate{State: protocol.StateClosed, Reason: protocol.CloseLoggedOut})

	waitFor(t, "directory emptied", func() bool { return len(m.List()) == 0 })
	waitFor(t, "credentials deleted", func() bool { return !store.has("session_777") })
	waitFor(t, "account dropped", func() bool {
		_, ok := m.Status("session_777")
		return !ok
	})
	// No reconnect for a terminal close.
	time.Sleep(50 * time.Millisecond)
	if dial.count() != 1 {
		t.Fatalf("dial count = %d, want 1", dial.count())
	}
}

func TestRecoverableCloseRepairsWithSameCredentials(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}
	m := startManager(t, testManagerConfig(), newMemStore(), dial, hub)

	if err := m.StartPairing("888", ""); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	dial.client(0).emitOpen()
	waitFor(t, "session linked", func() bool { return len(m.List()) == 1 })

	dial.client(0).emit(protocol.ConnectionUpdate{
		State:  protocol.StateClosed,
		Reason: protocol.CloseNetwork,
		Err:    errors.New("stream dropped"),
	})

	// The stale entry leaves the directory before the replacement opens.
	waitFor(t, "stale entry removed", func() bool { return len(m.List()) == 0 })
	waitFor(t, "re-dial happened", func() bool { return dial.count() == 2 })

	if st, ok := m.Status("session_888"); !ok || st == StatusOpen {
		t.Fatalf("Status during repair = %v, %v", st, ok)
	}

	dial.client(1).emitOpen()
	waitFor(t, "session relinked", func() bool { return len(m.List()) == 1 })
	if st, _ := m.Status("session_888"); st != StatusOpen {
		t.Fatalf("Status after relink = %v", st)
	}
}

func TestRetryCeilingGivesUp(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	chID, events, unsub := hub.Register(16)
	defer unsub()

	cfg := testManagerConfig()
	cfg.RetryMax = 1
	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}
	m := startManager(t, cfg, newMemStore(), dial, hub)

	if err := m.StartPairing("999", chID); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	dial.client(0).emitOpen()
	waitFor(t, "session linked", func() bool { return len(m.List()) == 1 })

	dial.client(0).emit(protocol.ConnectionUpdate{State: protocol.StateClosed, Reason: protocol.CloseNetwork})
	waitFor(t, "first retry dial", func() bool { return dial.count() == 2 })

	dial.client(1).emit(protocol.ConnectionUpdate{State: protocol.StateClosed, Reason: protocol.CloseNetwork})

	e := waitEvent(t, events, notify.EventPairingError)
	data, _ := e.Data.(map[string]string)
	if data["error"] == "" {
		t.Fatalf("pairing-error payload = %#v", e.Data)
	}
	waitFor(t, "account dropped", func() bool {
		_, ok := m.Status("session_999")
		return !ok
	})
	time.Sleep(50 * time.Millisecond)
	if dial.count() != 2 {
		t.Fatalf("dial count = %d, want 2", dial.count())
	}
}

func TestRepeatPairingReplacesInFlightClient(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}
	m := startManager(t, testManagerConfig(), newMemStore(), dial, hub)

	if err := m.StartPairing("555", ""); err != nil {
		t.Fatalf("first StartPairing: %v", err)
	}
	if err := m.StartPairing("+5-5-5", ""); err != nil {
		t.Fatalf("second StartPairing: %v", err)
	}

	if dial.count() != 2 {
		t.Fatalf("dial count = %d, want 2", dial.count())
	}
	if !dial.client(0).isClosed() {
		t.Fatal("replaced client not closed")
	}

	dial.client(1).emitOpen()
	waitFor(t, "session linked once", func() bool { return len(m.List()) == 1 })
}

func TestStartPairingValidation(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}

	m := NewManager(testManagerConfig(), NewDirectory(), newMemStore(), dial, hub, logx.Nop())
	if err := m.StartPairing("12345", ""); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("before Start: err = %v, want ErrNotRunning", err)
	}

	m = startManager(t, testManagerConfig(), newMemStore(), dial, hub)
	if err := m.StartPairing("no digits here", ""); !errors.Is(err, ErrInvalidNumber) {
		t.Fatalf("err = %v, want ErrInvalidNumber", err)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	store := newMemStore()
	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}
	m := startManager(t, testManagerConfig(), store, dial, hub)

	if err := m.Logout(context.Background(), "session_12345"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: err = %v, want ErrNotFound", err)
	}

	if err := m.StartPairing("12345", ""); err != nil {
		t.Fatalf("StartPairing: %v", err)
	}
	dial.client(0).save(protocol.Credentials{SessionID: "session_12345", JID: "12345:1@s.whatsapp.net"})
	dial.client(0).emitOpen()
	waitFor(t, "session linked", func() bool { return len(m.List()) == 1 })
	waitFor(t, "credentials persisted", func() bool { return store.has("session_12345") })

	if err := m.Logout(context.Background(), "session_12345"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	waitFor(t, "directory emptied", func() bool { return len(m.List()) == 0 })
	waitFor(t, "credentials deleted", func() bool { return !store.has("session_12345") })
}

func TestResumeStored(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub()
	store := newMemStore()
	for _, id := range []string{"session_111", "session_222"} {
		_ = store.SaveCredentials(context.Background(),
			id, []byte(fmt.Sprintf(`{"session_id":%q}`, id)))
	}
	// Malformed ids are skipped, not fatal.
	_ = store.SaveCredentials(context.Background(), "bogus", []byte(`{}`))

	dial := &fakeDialer{next: func() *fakeClient { return newFakeClient(true) }}
	m := startManager(t, testManagerConfig(), store, dial, hub)

	m.ResumeStored(context.Background())
	waitFor(t, "stored sessions dialed", func() bool { return dial.count() == 2 })

	dial.client(0).emitOpen()
	dial.client(1).emitOpen()
	waitFor(t, "both linked", func() bool { return len(m.List()) == 2 })
}

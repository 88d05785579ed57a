package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wafleet/internal/protocol"
	"wafleet/internal/runtime/supervisor"
	"wafleet/internal/services/notify"
	"wafleet/internal/storage"
	logx "wafleet/pkg/logx"
)

var (
	ErrInvalidNumber = errors.New("phone number must contain digits")
	ErrNotFound      = errors.New("session not found")
	ErrNotRunning    = errors.New("session manager not running")
)

type ManagerConfig struct {
	// SettleDelay is how long to let a fresh client finish its handshake
	// preamble before asking for a pairing code.
	SettleDelay time.Duration
	// RetryMax caps reconnect attempts after recoverable closes.
	// <=0 means unlimited.
	RetryMax int
	// RetryBackoffMin/Max bound the jittered exponential wait between
	// reconnect attempts.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = 2 * time.Second
	}
	if c.RetryBackoffMax < c.RetryBackoffMin {
		c.RetryBackoffMax = time.Minute
	}
}

// account is the manager's per-id state machine record. It exists for the
// whole pairing/open/repairing arc; directory membership only covers OPEN.
type account struct {
	id      string
	phone   string
	channel string
	status  Status
	client  protocol.Client
	retries int
	// gen guards against events from a replaced client mutating state that
	// now belongs to its successor.
	gen uint64
}

// Manager orchestrates pairing requests, routes protocol events into
// directory transitions, and owns the reconnect-vs-terminate policy.
type Manager struct {
	cfg   ManagerConfig
	dir   *Directory
	store storage.Store
	dial  protocol.Dialer
	hub   *notify.Hub
	log   logx.Logger

	// Alert, when set, receives one-line operator notices (session linked,
	// logged out, pairing gave up). Must not block.
	Alert func(text string)

	mu       sync.Mutex
	accounts map[string]*account
	genSeq   uint64

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg ManagerConfig, dir *Directory, store storage.Store, dial protocol.Dialer, hub *notify.Hub, log logx.Logger) *Manager {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:      cfg,
		dir:      dir,
		store:    store,
		dial:     dial,
		hub:      hub,
		log:      log,
		accounts: map[string]*account{},
	}
}

// Directory exposes the live-session registry (shared with the dispatcher).
func (m *Manager) Directory() *Directory { return m.dir }

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
}

// Stop disconnects every live client (without logging out) and waits for
// event loops to unwind, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	cancel := m.cancel
	m.runCtx = nil
	m.cancel = nil
	clients := make([]protocol.Client, 0, len(m.accounts))
	for _, acc := range m.accounts {
		if acc.client != nil {
			clients = append(clients, acc.client)
		}
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// StartPairing begins (or restarts) the pairing flow for phoneNumber.
// Progress is reported asynchronously on the requester's hub channel.
//
// A request for a number that already has a live or in-flight session
// replaces it: the old client is closed and its remaining events ignored.
func (m *Manager) StartPairing(phoneNumber, channelID string) error {
	digits := NormalizeNumber(phoneNumber)
	if digits == "" {
		return ErrInvalidNumber
	}

	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		return ErrNotRunning
	}
	return m.startAttempt(ctx, digits, channelID, false)
}

// ResumeStored starts a pairing attempt for every credential bundle in the
// store. Called once at startup so restarts reattach previously linked
// accounts without a fresh code.
func (m *Manager) ResumeStored(ctx context.Context) {
	ids, err := m.store.ListCredentialIDs(ctx)
	if err != nil {
		m.log.Warn("listing stored credentials failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		phone := phoneFromID(id)
		if phone == "" {
			m.log.Warn("skipping malformed credential id", logx.String("id", id))
			continue
		}
		if err := m.StartPairing(phone, ""); err != nil {
			m.log.Warn("resume failed", logx.String("id", id), logx.Err(err))
		}
	}
	if len(ids) > 0 {
		m.log.Info("resuming stored sessions", logx.Int("count", len(ids)))
	}
}

// Logout triggers a server-side logout for a live session. The terminal
// cleanup (credential deletion, directory removal) happens when the
// resulting close event arrives.
func (m *Manager) Logout(ctx context.Context, id string) error {
	sess, ok := m.dir.Get(id)
	if !ok {
		return ErrNotFound
	}
	return sess.Client.Logout(ctx)
}

// List returns the current directory snapshot.
func (m *Manager) List() []Snapshot {
	return m.dir.List(time.Now())
}

// Status reports the lifecycle state for id, covering accounts that are
// pairing or repairing and therefore not in the directory yet.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return 0, false
	}
	return acc.status, true
}

func (m *Manager) startAttempt(ctx context.Context, digits, channelID string, isRetry bool) error {
	id := DeriveID(digits)

	creds := protocol.Credentials{SessionID: id}
	if bundle, ok, err := m.store.LoadCredentials(ctx, id); err != nil {
		m.log.Warn("loading credentials failed", logx.String("session", id), logx.Err(err))
	} else if ok {
		if err := json.Unmarshal(bundle, &creds); err != nil {
			m.log.Warn("corrupt credential bundle; starting fresh", logx.String("session", id), logx.Err(err))
			creds = protocol.Credentials{SessionID: id}
		}
	}

	save := func(c protocol.Credentials) {
		// Fire-and-forget: persistence failures degrade restart recovery
		// but never block or fail the live connection.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			b, err := json.Marshal(c)
			if err == nil {
				err = m.store.SaveCredentials(context.Background(), id, b)
			}
			if err != nil {
				m.log.Error("persisting credentials failed", logx.String("session", id), logx.Err(err))
			}
		}()
	}

	client, err := m.dial.Dial(ctx, creds, save)
	if err != nil {
		m.pushError(channelID, fmt.Sprintf("could not open a connection for %s", digits))
		return fmt.Errorf("dial %s: %w", id, err)
	}

	m.mu.Lock()
	m.genSeq++
	gen := m.genSeq
	prev := m.accounts[id]
	acc := &account{id: id, phone: digits, channel: channelID, status: StatusPairing, client: client, gen: gen}
	if isRetry && prev != nil {
		acc.retries = prev.retries
	}
	m.accounts[id] = acc
	m.mu.Unlock()

	if prev != nil && prev.client != nil {
		prev.client.Close()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.eventLoop(gen, acc, client)
	}()

	if !client.Registered() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.requestCode(ctx, gen, acc, client)
		}()
	}

	if err := client.Connect(ctx); err != nil {
		m.pushError(channelID, fmt.Sprintf("connection failed for %s", digits))
		client.Close()
		return fmt.Errorf("connect %s: %w", id, err)
	}

	m.log.Debug("pairing attempt started",
		logx.String("session", id),
		logx.Bool("registered", client.Registered()),
		logx.Bool("retry", isRetry),
	)
	return nil
}

// requestCode asks the protocol for a pairing code after the settle delay
// and pushes it (or an error) to the requester. No automatic retry: the
// requester issues a new pairing request instead.
func (m *Manager) requestCode(ctx context.Context, gen uint64, acc *account, client protocol.Client) {
	t := time.NewTimer(m.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	if !m.current(acc.id, gen) {
		return
	}

	code, err := client.RequestPairingCode(ctx, acc.phone)
	if err != nil {
		m.log.Warn("pairing code request failed", logx.String("session", acc.id), logx.Err(err))
		m.pushError(acc.channel, "could not generate a pairing code")
		return
	}
	m.log.Info("pairing code issued", logx.String("session", acc.id))
	m.hub.Push(acc.channel, notify.Event{Type: notify.EventPairingCode, Data: map[string]string{"code": code}})
}

func (m *Manager) eventLoop(gen uint64, acc *account, client protocol.Client) {
	for upd := range client.Events() {
		switch upd.State {
		case protocol.StateOpen:
			m.onOpen(gen, acc, client)
		case protocol.StateClosed:
			m.onClose(gen, acc, upd)
			return
		}
	}
}

func (m *Manager) onOpen(gen uint64, acc *account, client protocol.Client) {
	m.mu.Lock()
	cur, ok := m.accounts[acc.id]
	if !ok || cur.gen != gen {
		m.mu.Unlock()
		return
	}
	cur.status = StatusOpen
	cur.retries = 0
	m.mu.Unlock()

	sess := &Session{
		ID:          acc.id,
		PhoneNumber: acc.phone,
		Client:      client,
		LoginTime:   time.Now(),
		Status:      StatusOpen,
	}
	m.dir.Upsert(sess)

	m.log.Info("session linked", logx.String("session", acc.id), logx.String("number", acc.phone))
	m.audit(storage.AuditEntry{SessionID: acc.id, Phone: acc.phone, Event: "linked"})
	m.alert(fmt.Sprintf("session linked: %s", acc.phone))

	m.hub.Push(acc.channel, notify.Event{Type: notify.EventLinkSuccess, Data: map[string]string{"id": acc.id}})
	m.broadcastDirectory()
}

func (m *Manager) onClose(gen uint64, acc *account, upd protocol.ConnectionUpdate) {
	m.mu.Lock()
	cur, ok := m.accounts[acc.id]
	if !ok || cur.gen != gen {
		m.mu.Unlock()
		return
	}

	if upd.Reason == protocol.CloseLoggedOut {
		cur.status = StatusTerminated
		delete(m.accounts, acc.id)
		m.mu.Unlock()

		m.dir.Remove(acc.id)
		if err := m.store.DeleteCredentials(context.Background(), acc.id); err != nil {
			m.log.Error("deleting credentials failed", logx.String("session", acc.id), logx.Err(err))
		}

		m.log.Info("session logged out", logx.String("session", acc.id), logx.String("number", acc.phone))
		m.audit(storage.AuditEntry{SessionID: acc.id, Phone: acc.phone, Event: "logged-out"})
		m.alert(fmt.Sprintf("session logged out: %s", acc.phone))
		m.broadcastDirectory()
		return
	}

	// Recoverable close: same credentials, new pairing attempt.
	cur.status = StatusRepairing
	cur.retries++
	retries := cur.retries
	ctx := m.runCtx
	m.mu.Unlock()

	// The stale entry must be gone before the new attempt opens.
	m.dir.Remove(acc.id)
	m.audit(storage.AuditEntry{
		SessionID: acc.id,
		Phone:     acc.phone,
		Event:     "closed",
		Detail:    upd.Reason.String(),
		Error:     errString(upd.Err),
	})

	if m.cfg.RetryMax > 0 && retries > m.cfg.RetryMax {
		m.mu.Lock()
		delete(m.accounts, acc.id)
		m.mu.Unlock()
		m.log.Error("giving up on session after repeated closes",
			logx.String("session", acc.id), logx.Int("attempts", retries-1))
		m.audit(storage.AuditEntry{SessionID: acc.id, Phone: acc.phone, Event: "gave-up"})
		m.alert(fmt.Sprintf("session gave up after %d reconnect attempts: %s", retries-1, acc.phone))
		m.pushError(acc.channel, "connection lost; pairing attempts exhausted")
		return
	}

	if ctx == nil || ctx.Err() != nil {
		return
	}

	wait := m.retryWait(retries)
	m.log.Warn("session closed; will re-pair",
		logx.String("session", acc.id),
		logx.String("reason", upd.Reason.String()),
		logx.Int("attempt", retries),
		logx.Duration("backoff", wait),
		logx.Err(upd.Err),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := m.startAttempt(ctx, acc.phone, acc.channel, true); err != nil {
			m.log.Error("re-pairing attempt failed", logx.String("session", acc.id), logx.Err(err))
		}
	}()
}

func (m *Manager) retryWait(attempt int) time.Duration {
	wait := m.cfg.RetryBackoffMin
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= m.cfg.RetryBackoffMax {
			wait = m.cfg.RetryBackoffMax
			break
		}
	}
	return supervisor.Jitter(wait)
}

// current reports whether gen is still the live generation for id.
func (m *Manager) current(id string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	return ok && acc.gen == gen
}

func (m *Manager) broadcastDirectory() {
	m.hub.Broadcast(notify.Event{Type: notify.EventSessionList, Data: m.dir.List(time.Now())})
}

func (m *Manager) pushError(channelID, msg string) {
	if channelID == "" {
		return
	}
	m.hub.Push(channelID, notify.Event{Type: notify.EventPairingError, Data: map[string]string{"error": msg}})
}

func (m *Manager) audit(e storage.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.AppendAudit(ctx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		m.log.Warn("audit append failed", logx.String("session", e.SessionID), logx.Err(err))
	}
}

func (m *Manager) alert(text string) {
	if m.Alert != nil {
		m.Alert(text)
	}
}

func phoneFromID(id string) string {
	const prefix = "session_"
	if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
		return ""
	}
	return NormalizeNumber(id[len(prefix):])
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

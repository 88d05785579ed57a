package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wafleet/internal/services/broadcast"
	"wafleet/internal/services/notify"
	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

type fakeSessions struct {
	snapshots []session.Snapshot

	pairErr    error
	pairNumber string
	pairChan   string

	logoutErr error
	logoutID  string
}

func (f *fakeSessions) List() []session.Snapshot { return f.snapshots }

func (f *fakeSessions) StartPairing(number, channel string) error {
	f.pairNumber, f.pairChan = number, channel
	return f.pairErr
}

func (f *fakeSessions) Logout(_ context.Context, id string) error {
	f.logoutID = id
	return f.logoutErr
}

type fakeDispatcher struct {
	dispatchErr error
	jobID       string
	message     string
	targets     []string
	delay       time.Duration

	status   broadcast.JobStatus
	statusOK bool
	canceled bool
}

func (f *fakeDispatcher) Dispatch(message string, targets []string, delay time.Duration) (string, error) {
	f.message, f.targets, f.delay = message, targets, delay
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	return f.jobID, nil
}

func (f *fakeDispatcher) Status(string) (broadcast.JobStatus, bool) { return f.status, f.statusOK }
func (f *fakeDispatcher) Cancel(string) bool { return f.canceled }

type fakeEvents struct {
	hub *notify.Hub
}

func (f *fakeEvents) Register(buffer int) (string, <-chan notify.Event, func()) {
	return f.hub.Register(buffer)
}

func (f *fakeEvents) Known(id string) bool { return f.hub.Known(id) }

func newTestServer(t *testing.T, token string) (*httptest.Server, *fakeSessions, *fakeDispatcher, *fakeEvents) {
	t.Helper()
	sess := &fakeSessions{}
	disp := &fakeDispatcher{jobID: "bc-test"}
	evs := &fakeEvents{hub: notify.NewHub()}

	svc := New(Config{Token: token}, sess, disp, evs, logx.Nop())
	ts := httptest.NewServer(svc.routes())
	t.Cleanup(ts.Close)
	return ts, sess, disp, evs
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	ts, _, _, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionsList(t *testing.T) {
	ts, sess, _, _ := newTestServer(t, "")
	sess.snapshots = []session.Snapshot{
		{ID: "session_15550001111", PhoneNumber: "15550001111", UptimeSeconds: 42},
	}

	resp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []session.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, sess.snapshots, got)
}

func TestPair(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		ts, sess, _, _ := newTestServer(t, "")
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/pair", `{"number":"+1 555 000 1111"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.Equal(t, "pairing", body["status"])
		require.Equal(t, "+1 555 000 1111", sess.pairNumber)
	})

	t.Run("invalid number", func(t *testing.T) {
		ts, sess, _, _ := newTestServer(t, "")
		sess.pairErr = session.ErrInvalidNumber
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/pair", `{"number":"abc"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid phone number", body["error"])
	})

	t.Run("unknown channel", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/pair", `{"number":"15550001111","channel":"nope"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "unknown channel", body["error"])
	})

	t.Run("known channel passed through", func(t *testing.T) {
		ts, sess, _, evs := newTestServer(t, "")
		id, _, unsub := evs.Register(1)
		defer unsub()
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/pair", `{"number":"15550001111","channel":"`+id+`"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.Equal(t, id, sess.pairChan)
	})

	t.Run("shutting down", func(t *testing.T) {
		ts, sess, _, _ := newTestServer(t, "")
		sess.pairErr = session.ErrNotRunning
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/pair", `{"number":"15550001111"}`)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/pair", `{"number":"1555","extra":true}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid json body", body["error"])
	})
}

func TestLogout(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts, sess, _, _ := newTestServer(t, "")
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/logout", `{"id":"session_15550001111"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, true, body["success"])
		require.Equal(t, "session_15550001111", sess.logoutID)
	})

	t.Run("not found", func(t *testing.T) {
		ts, sess, _, _ := newTestServer(t, "")
		sess.logoutErr = session.ErrNotFound
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/logout", `{"id":"session_404"}`)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, "session not found", body["error"])
	})

	t.Run("missing id", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/logout", `{"id":"  "}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestBroadcast(t *testing.T) {
	t.Run("started", func(t *testing.T) {
		ts, _, disp, _ := newTestServer(t, "")
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/broadcast",
			`{"message":"hello","targets":["100","200"],"delay":"2s"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		require.Equal(t, "started", body["status"])
		require.Equal(t, "bc-test", body["job"])
		require.Equal(t, "hello", disp.message)
		require.Equal(t, []string{"100", "200"}, disp.targets)
		require.Equal(t, 2*time.Second, disp.delay)
	})

	t.Run("no session", func(t *testing.T) {
		ts, _, disp, _ := newTestServer(t, "")
		disp.dispatchErr = broadcast.ErrNoSession
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/broadcast",
			`{"message":"hello","targets":["100"]}`)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		require.Equal(t, "no available session", body["error"])
	})

	t.Run("missing message", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/broadcast", `{"targets":["100"]}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing targets", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/broadcast", `{"message":"hi"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad delay", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/broadcast",
			`{"message":"hi","targets":["100"],"delay":"-2s"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid delay", body["error"])
	})
}

func TestBroadcastStatus(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		ts, _, disp, _ := newTestServer(t, "")
		disp.statusOK = true
		disp.status = broadcast.JobStatus{ID: "bc-test", Running: true, Total: 3, Done: 1}
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/broadcast?job=bc-test", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "bc-test", body["id"])
	})

	t.Run("unknown job", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/broadcast?job=bc-nope", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing job", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/broadcast", "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestBroadcastCancel(t *testing.T) {
	t.Run("canceled", func(t *testing.T) {
		ts, _, disp, _ := newTestServer(t, "")
		disp.canceled = true
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/broadcast/cancel", `{"job":"bc-test"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, true, body["canceled"])
	})

	t.Run("unknown or finished", func(t *testing.T) {
		ts, _, _, _ := newTestServer(t, "")
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/broadcast/cancel", `{"job":"bc-test"}`)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAuth(t *testing.T) {
	ts, _, _, _ := newTestServer(t, "hunter2")

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	})

	t.Run("wrong token", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bearer header", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
		req.Header.Set("Authorization", "Bearer hunter2")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("query token for streams", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/sessions?token=hunter2")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("healthz is open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestEventStreamHandshake(t *testing.T) {
	ts, _, _, evs := newTestServer(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// First frame announces the channel id.
	buf := make([]byte, 512)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	frame := string(buf[:n])
	require.Contains(t, frame, "event: channel")

	var id string
	for _, line := range strings.Split(frame, "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			require.NoError(t, json.Unmarshal([]byte(rest), &id))
		}
	}
	require.NotEmpty(t, id)
	require.True(t, evs.Known(id))

	// A pushed event arrives on the stream.
	evs.hub.Push(id, notify.Event{Type: notify.EventPairingCode, Data: map[string]string{"code": "ABCD-1234"}})
	n, err = resp.Body.Read(buf)
	require.NoError(t, err)
	frame = string(buf[:n])
	require.Contains(t, frame, "event: pairing-code")
	require.Contains(t, frame, "ABCD-1234")
}

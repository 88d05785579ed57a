package meow

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wafleet/internal/protocol"
	logx "wafleet/pkg/logx"
)

// client adapts one *whatsmeow.Client to the protocol boundary.
//
// The event stream is terminal-once: after the first StateClosed update the
// channel is closed and everything later from whatsmeow is dropped. That
// keeps replaced clients from confusing their successor.
type client struct {
	cli        *whatsmeow.Client
	creds      protocol.Credentials
	save       protocol.SaveFunc
	deviceName string
	log        logx.Logger

	handlerID uint32

	mu     sync.Mutex
	done   bool
	events chan protocol.ConnectionUpdate
}

func newClient(cli *whatsmeow.Client, creds protocol.Credentials, save protocol.SaveFunc, deviceName string, log logx.Logger) *client {
	c := &client{
		cli:        cli,
		creds:      creds,
		save:       save,
		deviceName: deviceName,
		log:        log,
		events:     make(chan protocol.ConnectionUpdate, 8),
	}
	c.handlerID = cli.AddEventHandler(c.handleEvent)
	return c
}

func (c *client) Registered() bool {
	return c.cli.Store.ID != nil
}

func (c *client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.emit(protocol.ConnectionUpdate{State: protocol.StateConnecting})
	return c.cli.Connect()
}

func (c *client) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	code, err := c.cli.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, c.deviceName)
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (c *client) SendText(ctx context.Context, recipient, text string) error {
	to := types.NewJID(recipient, types.DefaultUserServer)
	_, err := c.cli.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (c *client) Logout(ctx context.Context) error {
	// whatsmeow deletes the device row and disconnects; it does not emit a
	// LoggedOut event for a local logout, so report the close ourselves.
	if err := c.cli.Logout(ctx); err != nil {
		return err
	}
	c.emit(protocol.ConnectionUpdate{State: protocol.StateClosed, Reason: protocol.CloseLoggedOut})
	return nil
}

func (c *client) Events() <-chan protocol.ConnectionUpdate {
	return c.events
}

func (c *client) Close() {
	c.cli.RemoveEventHandler(c.handlerID)
	c.cli.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.events)
	}
}

func (c *client) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.persistJID(e.ID)
	case *events.Connected:
		if id := c.cli.Store.ID; id != nil {
			c.persistJID(*id)
		}
		c.emit(protocol.ConnectionUpdate{State: protocol.StateOpen})
	case *events.LoggedOut:
		// account owner unlinked this device from the phone
		if err := c.cli.Store.Delete(context.Background()); err != nil {
			c.log.Warn("device row cleanup failed", logx.Err(err))
		}
		c.emit(protocol.ConnectionUpdate{State: protocol.StateClosed, Reason: protocol.CloseLoggedOut})
	case *events.StreamReplaced:
		c.emit(protocol.ConnectionUpdate{
			State:  protocol.StateClosed,
			Reason: protocol.CloseNetwork,
			Err:    fmt.Errorf("stream replaced by another connection"),
		})
	case *events.StreamError:
		c.emit(protocol.ConnectionUpdate{
			State:  protocol.StateClosed,
			Reason: protocol.CloseNetwork,
			Err:    fmt.Errorf("stream error: %s", e.Code),
		})
	case *events.ConnectFailure:
		c.emit(protocol.ConnectionUpdate{
			State:  protocol.StateClosed,
			Reason: protocol.CloseNetwork,
			Err:    fmt.Errorf("connect failure: %s", e.Reason),
		})
	case *events.ClientOutdated:
		c.emit(protocol.ConnectionUpdate{
			State:  protocol.StateClosed,
			Reason: protocol.CloseNetwork,
			Err:    fmt.Errorf("client version rejected by server"),
		})
	case *events.Disconnected:
		c.emit(protocol.ConnectionUpdate{State: protocol.StateClosed, Reason: protocol.CloseNetwork})
	}
}

// persistJID stores the full device JID (including the device part) so the
// dialer can reattach to the same sqlstore row next time.
func (c *client) persistJID(jid types.JID) {
	got := jid.String()
	if c.save == nil || got == "" || got == c.creds.JID {
		return
	}
	c.creds.JID = got
	c.save(c.creds)
}

func (c *client) emit(upd protocol.ConnectionUpdate) {
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
	select {
	case c.events <- upd:
	default:
		c.log.Warn("connection update dropped (consumer slow)", logx.String("state", upd.State.String()))
	}
}

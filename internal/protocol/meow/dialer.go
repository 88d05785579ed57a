// Package meow binds the protocol boundary to WhatsApp via whatsmeow.
//
// One sqlstore container holds the device key material for every linked
// account; each Dial picks (or creates) the device matching the stored
// credentials and wraps a whatsmeow client around it. Automatic reconnect is
// disabled: the session manager owns the retry policy.
package meow

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"wafleet/internal/protocol"
	logx "wafleet/pkg/logx"
)

type Config struct {
	// StorePath is the sqlite database holding device key material.
	StorePath string
	// DeviceName is shown on the phone under Linked Devices. The server
	// expects a "Browser (OS)" shape.
	DeviceName string
}

type Dialer struct {
	container  *sqlstore.Container
	deviceName string
	log        logx.Logger
}

func NewDialer(ctx context.Context, cfg Config, log logx.Logger) (*Dialer, error) {
	path := strings.TrimSpace(cfg.StorePath)
	if path == "" {
		path = "./wafleet_devices.db"
	}
	name := strings.TrimSpace(cfg.DeviceName)
	if name == "" {
		name = "Chrome (Linux)"
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	container, err := sqlstore.New(ctx, "sqlite", dsn, newWALogger(log.With(logx.String("wa_module", "store"))))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return &Dialer{container: container, deviceName: name, log: log}, nil
}

// Dial builds a client around the device matching creds. An empty or stale
// JID gets a brand-new device, which will need a pairing code.
func (d *Dialer) Dial(ctx context.Context, creds protocol.Credentials, save protocol.SaveFunc) (protocol.Client, error) {
	device, err := d.device(ctx, creds)
	if err != nil {
		return nil, err
	}

	cli := whatsmeow.NewClient(device, newWALogger(d.log.With(logx.String("session_id", creds.SessionID))))
	cli.EnableAutoReconnect = false

	return newClient(cli, creds, save, d.deviceName, d.log.With(logx.String("session_id", creds.SessionID))), nil
}

func (d *Dialer) device(ctx context.Context, creds protocol.Credentials) (*store.Device, error) {
	if creds.JID == "" {
		return d.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(creds.JID)
	if err != nil {
		d.log.Warn("stored jid unparseable; creating fresh device",
			logx.String("session_id", creds.SessionID), logx.Err(err))
		return d.container.NewDevice(), nil
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", jid, err)
	}
	if device == nil {
		// credentials outlived the device row; pair again
		return d.container.NewDevice(), nil
	}
	return device, nil
}

func (d *Dialer) Close() error {
	return d.container.Close()
}

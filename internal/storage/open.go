package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wafleet/pkg/logx"
)

// Store is the persistence API used by the lifecycle manager.
type Store interface {
	SaveCredentials(ctx context.Context, id string, bundle []byte) error
	LoadCredentials(ctx context.Context, id string) (bundle []byte, ok bool, err error)
	DeleteCredentials(ctx context.Context, id string) error
	// ListCredentialIDs returns every stored session id, for resuming
	// previously paired accounts at startup.
	ListCredentialIDs(ctx context.Context) ([]string, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func auditTime(e *AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
}

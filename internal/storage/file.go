package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "wafleet/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout under the configured directory:
//   - creds/<id>.json  (one bundle per session id)
//   - audit.jsonl      (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	credsDir  string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	credsDir := filepath.Join(dir, "creds")
	if err := os.MkdirAll(credsDir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, credsDir: credsDir, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

func (s *fileStore) bundlePath(id string) (string, error) {
	// Session ids are derived from digits only, but refuse anything that
	// could escape the creds directory.
	if id == "" || strings.ContainsAny(id, "/\\") || id != filepath.Base(id) {
		return "", errors.New("invalid credential id: " + id)
	}
	return filepath.Join(s.credsDir, id+".json"), nil
}

func (s *fileStore) SaveCredentials(_ context.Context, id string, bundle []byte) error {
	path, err := s.bundlePath(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Write-then-rename so readers never see a torn bundle.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bundle, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) LoadCredentials(_ context.Context, id string) ([]byte, bool, error) {
	path, err := s.bundlePath(id)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) DeleteCredentials(_ context.Context, id string) error {
	path, err := s.bundlePath(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) ListCredentialIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ents, err := os.ReadDir(s.credsDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	auditTime(&e)
	line, err := json.Marshal(struct {
		At        string `json:"at"`
		SessionID string `json:"session_id"`
		Phone     string `json:"phone,omitempty"`
		Event     string `json:"event"`
		Detail    string `json:"detail,omitempty"`
		Error     string `json:"err,omitempty"`
	}{
		At:        e.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		SessionID: e.SessionID,
		Phone:     e.Phone,
		Event:     e.Event,
		Detail:    e.Detail,
		Error:     e.Error,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	_, err = s.auditFile.Write(append(line, '\n'))
	return err
}

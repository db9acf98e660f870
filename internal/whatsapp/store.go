package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"
)

// authStore is the per-account SQLite file holding whatsmeow credentials.
type authStore struct {
	path      string
	container *sqlstore.Container
}

func newAuthStore(dir, accountID string) (*authStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	name := sanitizeAccount(accountID)
	if name == "" {
		return nil, errors.New("account id has no usable characters")
	}
	return &authStore{path: filepath.Join(dir, name+".db")}, nil
}

func (s *authStore) open(ctx context.Context, log waLog.Logger) (*store.Device, error) {
	uri := fmt.Sprintf("file:%s?_foreign_keys=on", s.path)
	container, err := sqlstore.New(ctx, "sqlite3", uri, log)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}
	s.container = container
	return device, nil
}

func (s *authStore) close() error {
	if s.container == nil {
		return nil
	}
	err := s.container.Close()
	s.container = nil
	return err
}

// remove closes the database and deletes it along with SQLite side files.
func (s *authStore) remove() error {
	_ = s.close()
	var errs []error
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm", s.path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sanitizeAccount keeps an account id safe to use as a file name.
func sanitizeAccount(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

package creds

import (
	"context"
	"fmt"

	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists WhatsApp authentication material (identity keys, session
// ratchet state) in a sqlite database inside the session directory.
type Store struct {
	container *sqlstore.Container
	logger    *zap.Logger
}

// Open creates or opens the credential database at dbPath.
func Open(ctx context.Context, dbPath string, logger *zap.Logger) (*Store, error) {
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &Store{container: container, logger: logger}, nil
}

// Device loads the stored device, creating a blank one when no credentials
// exist yet. A blank device means the session must pair.
func (s *Store) Device(ctx context.Context) (*wastore.Device, error) {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return device, nil
}

// Save persists the device synchronously. Callers must not consider a
// credential update handled until Save returns.
func (s *Store) Save(ctx context.Context, device *wastore.Device) error {
	if err := device.Save(ctx); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	s.logger.Info("credentials persisted")
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.container.Close()
}

package station

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/config"
	"github.com/xirs/xirs/internal/store"
)

// Handle is a station opened over its encrypted database.
type Handle struct {
	*Station
	DB *store.EncryptedDB
}

// Close closes the database.
func (h *Handle) Close() error {
	return h.DB.Close()
}

// Open opens the station database under dir and assembles the station.
func Open(ctx context.Context, cfg *config.Config, dir string, logger zerolog.Logger) (*Handle, error) {
	db, err := store.Open(cfg.DatabasePath(dir), cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open station database: %w", err)
	}
	st, err := New(ctx, store.NewSQLStore(db.DB()), store.NewSQLAudit(db.DB()), Options{
		Codec:      cfg.ChunkCodec(),
		CertPolicy: cfg.CertPolicy(),
		Retention:  cfg.Replay.Retention.Duration,
		Logger:     logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Handle{Station: st, DB: db}, nil
}

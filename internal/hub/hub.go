package hub

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/config"
	"github.com/xirs/xirs/internal/store"
)

// DatabaseName is the Hub database file inside the config directory.
const DatabaseName = "hub.db"

// Hub bundles the Hub components over one store.
type Hub struct {
	KV       store.KV
	Audit    store.AuditLog
	Keys     *Keys
	Issuer   *Issuer
	Stations *Stations
	Certs    *certs.Cache
	Pairing  *PairingService
	Ingest   *Ingest

	db *store.EncryptedDB
}

// Options tune a Hub. Zero values select defaults.
type Options struct {
	CodeTTL   time.Duration
	Retention time.Duration
	Logger    zerolog.Logger
}

// New assembles a Hub over kv. It fails with ErrNoKeys until keys exist.
func New(ctx context.Context, kv store.KV, audit store.AuditLog, opts Options) (*Hub, error) {
	keys, err := LoadKeys(ctx, kv)
	if err != nil {
		return nil, err
	}
	if audit == nil {
		audit = store.NewMemAudit()
	}
	h := &Hub{
		KV:       kv,
		Audit:    audit,
		Keys:     keys,
		Issuer:   NewIssuer(keys),
		Stations: NewStations(kv),
		Certs:    certs.NewCache(kv),
	}
	h.Pairing = NewPairingService(kv, h.Issuer, h.Stations, h.Certs, opts.CodeTTL, opts.Logger)
	h.Ingest = NewIngest(kv, audit, h.Issuer, h.Stations, h.Certs, opts.Retention, opts.Logger)
	return h, nil
}

// OpenStore opens the Hub database under dir without requiring keys.
func OpenStore(cfg *config.Config, dir string) (*store.EncryptedDB, error) {
	db, err := store.Open(filepath.Join(dir, DatabaseName), cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open hub database: %w", err)
	}
	return db, nil
}

// Open opens the Hub database under dir and assembles the Hub.
func Open(ctx context.Context, cfg *config.Config, dir string, logger zerolog.Logger) (*Hub, error) {
	db, err := OpenStore(cfg, dir)
	if err != nil {
		return nil, err
	}
	h, err := New(ctx, store.NewSQLStore(db.DB()), store.NewSQLAudit(db.DB()), Options{
		CodeTTL:   cfg.Hub.CodeTTL.Duration,
		Retention: cfg.Replay.Retention.Duration,
		Logger:    logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	h.db = db
	return h, nil
}

// Close closes the database of an opened Hub.
func (h *Hub) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

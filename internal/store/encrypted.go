// Package store provides the per-station persistent store.
//
// INVARIANTS:
// - The station database is encrypted at rest via SQLCipher (AES-256)
// - The key comes from the operator passphrase, never from code
// - A wrong key fails on open, never later
// - Components reach storage only through the KV and AuditLog interfaces
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// EncryptedDB wraps a SQLCipher-encrypted SQLite database.
type EncryptedDB struct {
	db        *sql.DB
	dbPath    string
	encrypted bool
}

// Open opens (creating if needed) the station database and its schema.
// If passphrase is empty, the database is opened without encryption.
func Open(dbPath string, passphrase string) (*EncryptedDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	encrypted := passphrase != ""
	if encrypted {
		dsn += "&_pragma_key=" + url.QueryEscape(passphrase)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps claims serialized.
	db.SetMaxOpenConns(1)

	// A wrong key only surfaces on the first read of a page.
	var count int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&count); err != nil {
		db.Close()
		if encrypted {
			return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	edb := &EncryptedDB{db: db, dbPath: dbPath, encrypted: encrypted}
	if err := edb.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return edb, nil
}

// EnsureSchema creates the store tables if needed.
func (edb *EncryptedDB) EnsureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
    namespace   TEXT NOT NULL,
    key         TEXT NOT NULL,
    idx         TEXT NOT NULL DEFAULT '',
    value       BLOB NOT NULL,
    updated_at  TEXT NOT NULL,
    PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS idx_kv_index ON kv(namespace, idx);

CREATE TABLE IF NOT EXISTS audit (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL UNIQUE,
    event_type  TEXT NOT NULL,
    packet_type TEXT NOT NULL DEFAULT '',
    message_id  TEXT NOT NULL DEFAULT '',
    code        TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_message ON audit(message_id);

CREATE TABLE IF NOT EXISTS store_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
INSERT OR IGNORE INTO store_meta (key, value) VALUES ('schema_version', '1');
`
	if _, err := edb.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// DB returns the underlying database connection.
func (edb *EncryptedDB) DB() *sql.DB {
	return edb.db
}

// Close closes the database connection.
func (edb *EncryptedDB) Close() error {
	return edb.db.Close()
}

// IsEncrypted returns whether the database is encrypted.
func (edb *EncryptedDB) IsEncrypted() bool {
	return edb.encrypted
}

// Path returns the database file path.
func (edb *EncryptedDB) Path() string {
	return edb.dbPath
}

// ChangePassphrase re-encrypts the database under a new key.
func (edb *EncryptedDB) ChangePassphrase(ctx context.Context, newPassphrase string) error {
	if !edb.encrypted {
		return fmt.Errorf("database is not encrypted")
	}
	if newPassphrase == "" {
		return fmt.Errorf("new passphrase must not be empty")
	}

	pragma := fmt.Sprintf("PRAGMA rekey = '%s';", strings.ReplaceAll(newPassphrase, "'", "''"))
	if _, err := edb.db.ExecContext(ctx, pragma); err != nil {
		return fmt.Errorf("failed to change passphrase: %w", err)
	}
	return nil
}

// ExportBackup writes a consistent copy of the database to dst. The copy
// stays encrypted under the current key.
func (edb *EncryptedDB) ExportBackup(ctx context.Context, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("backup target already exists: %s", dst)
	}
	query := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(dst, "'", "''"))
	if _, err := edb.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to export backup: %w", err)
	}
	return nil
}

// ValidatePassphrase checks if a passphrase opens the database at dbPath.
func ValidatePassphrase(dbPath string, passphrase string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database not found: %w", err)
	}
	db, err := Open(dbPath, passphrase)
	if err != nil {
		return err
	}
	defer db.Close()

	var version string
	err = db.DB().QueryRow("SELECT value FROM store_meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		return fmt.Errorf("invalid passphrase or corrupted database: %w", err)
	}
	return nil
}

// GenerateRandomKey generates a random hex passphrase of length bytes.
func GenerateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// EncryptionStatus describes the encryption state of a database.
type EncryptionStatus struct {
	IsEncrypted   bool
	CipherVersion string
	SchemaVersion string
}

// Status returns info about the database encryption.
func (edb *EncryptedDB) Status(ctx context.Context) (*EncryptionStatus, error) {
	status := &EncryptionStatus{IsEncrypted: edb.encrypted}

	if edb.encrypted {
		var cipherVersion string
		if err := edb.db.QueryRowContext(ctx, "PRAGMA cipher_version").Scan(&cipherVersion); err == nil {
			status.CipherVersion = cipherVersion
		}
	}
	if err := edb.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'schema_version'").
		Scan(&status.SchemaVersion); err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	return status, nil
}

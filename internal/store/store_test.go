package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/protocol"
)

func openTestDB(t *testing.T, passphrase string) (*EncryptedDB, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "xirs-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	dbPath := filepath.Join(tmpDir, "station.db")
	db, err := Open(dbPath, passphrase)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	return db, dbPath
}

func TestEncryptedDB_WrongPassphraseFails(t *testing.T) {
	db, dbPath := openTestDB(t, "correct-passphrase")
	kv := NewSQLStore(db.DB())
	if err := kv.Put(context.Background(), Record{Namespace: "identity", Key: "self", Value: []byte("secret")}); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	db.Close()

	_, err := Open(dbPath, "wrong-passphrase")
	if err == nil {
		t.Fatal("opening with wrong passphrase should fail")
	}
	if !strings.Contains(err.Error(), "invalid passphrase") {
		t.Errorf("expected passphrase error, got %v", err)
	}

	if err := ValidatePassphrase(dbPath, "correct-passphrase"); err != nil {
		t.Errorf("correct passphrase should validate: %v", err)
	}
}

func TestEncryptedDB_PassphraseWithURLCharacters(t *testing.T) {
	pass := "p&ss=word?#%"
	db, dbPath := openTestDB(t, pass)
	if !db.IsEncrypted() {
		t.Error("database should be marked as encrypted")
	}
	db.Close()

	db2, err := Open(dbPath, pass)
	if err != nil {
		t.Fatalf("failed to reopen with special characters: %v", err)
	}
	db2.Close()
}

func TestEncryptedDB_ChangePassphrase(t *testing.T) {
	db, dbPath := openTestDB(t, "old-pass")
	ctx := context.Background()
	kv := NewSQLStore(db.DB())
	if err := kv.Put(ctx, Record{Namespace: "n", Key: "k", Value: []byte("sensitive")}); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := db.ChangePassphrase(ctx, "new-pass"); err != nil {
		t.Fatalf("failed to change passphrase: %v", err)
	}
	db.Close()

	if _, err := Open(dbPath, "old-pass"); err == nil {
		t.Error("old passphrase should not work after rekey")
	}
	db2, err := Open(dbPath, "new-pass")
	if err != nil {
		t.Fatalf("new passphrase should work: %v", err)
	}
	defer db2.Close()

	rec, err := NewSQLStore(db2.DB()).Get(ctx, "n", "k")
	if err != nil || string(rec.Value) != "sensitive" {
		t.Errorf("expected value to survive rekey, got %q err=%v", rec.Value, err)
	}
}

func TestEncryptedDB_ExportBackup(t *testing.T) {
	db, dbPath := openTestDB(t, "backup-pass")
	defer db.Close()
	ctx := context.Background()

	if err := NewSQLStore(db.DB()).Put(ctx, Record{Namespace: "n", Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	dst := filepath.Join(filepath.Dir(dbPath), "backup", "station.db")
	if err := db.ExportBackup(ctx, dst); err != nil {
		t.Fatalf("failed to export: %v", err)
	}
	if err := db.ExportBackup(ctx, dst); err == nil {
		t.Error("exporting over an existing backup should fail")
	}

	backup, err := Open(dst, "backup-pass")
	if err != nil {
		t.Fatalf("backup should open with the same passphrase: %v", err)
	}
	defer backup.Close()
	if _, err := NewSQLStore(backup.DB()).Get(ctx, "n", "k"); err != nil {
		t.Errorf("backup missing record: %v", err)
	}
}

func kvImplementations(t *testing.T) map[string]KV {
	db, _ := openTestDB(t, "")
	t.Cleanup(func() { db.Close() })
	return map[string]KV{
		"sql": NewSQLStore(db.DB()),
		"mem": NewMemStore(),
	}
}

func TestKV_Contract(t *testing.T) {
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := kv.Get(ctx, "queue", "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			puts := []Record{
				{Namespace: "queue", Key: "b", Index: "PENDING", Value: []byte("2")},
				{Namespace: "queue", Key: "a", Index: "PENDING", Value: []byte("1")},
				{Namespace: "queue", Key: "c", Index: "COMPLETED", Value: []byte("3")},
				{Namespace: "other", Key: "a", Value: []byte("x")},
			}
			for _, rec := range puts {
				if err := kv.Put(ctx, rec); err != nil {
					t.Fatalf("put failed: %v", err)
				}
			}

			pending, err := kv.ListByIndex(ctx, "queue", "PENDING")
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(pending) != 2 || pending[0].Key != "a" || pending[1].Key != "b" {
				t.Errorf("expected [a b], got %v", pending)
			}

			all, _ := kv.ListByIndex(ctx, "queue", "")
			if len(all) != 3 {
				t.Errorf("expected 3 records, got %d", len(all))
			}

			// Overwrite moves the record to another index.
			if err := kv.Put(ctx, Record{Namespace: "queue", Key: "a", Index: "COMPLETED", Value: []byte("1b")}); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			rec, err := kv.Get(ctx, "queue", "a")
			if err != nil || string(rec.Value) != "1b" || rec.Index != "COMPLETED" {
				t.Errorf("unexpected record after overwrite: %+v err=%v", rec, err)
			}

			if err := kv.Delete(ctx, "queue", "a"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := kv.Get(ctx, "queue", "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected deleted record to be gone, got %v", err)
			}

			if err := kv.Put(ctx, Record{Namespace: "", Key: "x"}); err == nil {
				t.Error("put without namespace should fail")
			}
		})
	}
}

func TestAuditLog_NewestFirst(t *testing.T) {
	db, _ := openTestDB(t, "")
	defer db.Close()

	logs := map[string]AuditLog{
		"sql": NewSQLAudit(db.DB()),
		"mem": NewMemAudit(),
	}
	for name, log := range logs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, code := range []protocol.Code{protocol.CodeMACInvalid, protocol.CodeNonceMismatch, protocol.CodeCertExpired} {
				err := log.Append(ctx, model.AuditEvent{
					EventType:  model.EventIngestRejected,
					PacketType: protocol.RxOrder,
					MessageID:  "RX-1",
					Code:       code,
				})
				if err != nil {
					t.Fatalf("append failed: %v", err)
				}
			}

			events, err := log.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("recent failed: %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("expected 2 events, got %d", len(events))
			}
			if events[0].Code != protocol.CodeCertExpired || events[1].Code != protocol.CodeNonceMismatch {
				t.Errorf("expected newest first, got %s, %s", events[0].Code, events[1].Code)
			}
			if events[0].ID == "" || events[0].CreatedAt.IsZero() {
				t.Error("append should assign id and timestamp")
			}
		})
	}
}

func TestGenerateRandomKey(t *testing.T) {
	key1, err := GenerateRandomKey(32)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if len(key1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(key1))
	}
	key2, _ := GenerateRandomKey(32)
	if key1 == key2 {
		t.Error("random keys should be different")
	}
}

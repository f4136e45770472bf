// Package replay implements the replay ledger.
//
// INVARIANTS:
// - One ledger entry per uniquely processed message id
// - Same id and nonce is a harmless re-scan; the prior outcome is returned
// - Same id with a different nonce is NONCE_MISMATCH, never a duplicate
// - Entries are removed only by age-based pruning
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
)

const namespace = "replay"

// DefaultRetention is how long ledger entries are kept.
const DefaultRetention = 30 * 24 * time.Hour

// Entry is one processed message.
type Entry struct {
	MessageID   string    `json:"message_id"`
	Nonce       string    `json:"nonce"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

// CheckResult describes what the ledger knows about a message.
type CheckResult struct {
	IsDuplicate  bool
	PriorOutcome string
	Conflict     bool
}

// Guard checks and records processed messages.
type Guard struct {
	kv        store.KV
	retention time.Duration
	now       func() time.Time
	mu        sync.Mutex
}

// NewGuard creates a guard over kv. A zero retention selects DefaultRetention.
func NewGuard(kv store.KV, retention time.Duration) *Guard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Guard{kv: kv, retention: retention, now: time.Now}
}

// SetClock overrides the time source.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Key scopes a message id by packet type so ids from different packet
// families never collide.
func Key(pt protocol.PacketType, messageID string) string {
	return string(pt) + "/" + messageID
}

// Check looks up messageID. A nonce conflict returns a ReplayError along
// with a result whose Conflict flag is set.
func (g *Guard) Check(ctx context.Context, messageID, nonce string) (CheckResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkLocked(ctx, messageID, nonce)
}

func (g *Guard) checkLocked(ctx context.Context, messageID, nonce string) (CheckResult, error) {
	entry, found, err := g.load(ctx, messageID)
	if err != nil {
		return CheckResult{}, err
	}
	if !found {
		return CheckResult{}, nil
	}
	if entry.Nonce != nonce {
		return CheckResult{Conflict: true, PriorOutcome: entry.Outcome}, &protocol.Error{
			Kind:   protocol.KindReplay,
			Code:   protocol.CodeNonceMismatch,
			Field:  "nonce",
			Detail: fmt.Sprintf("message %s was already processed with a different nonce", messageID),
		}
	}
	return CheckResult{IsDuplicate: true, PriorOutcome: entry.Outcome}, nil
}

// Record stores the outcome of a processed message. Recording the same id
// and nonce again keeps the first outcome.
func (g *Guard) Record(ctx context.Context, messageID, nonce, outcome string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.checkLocked(ctx, messageID, nonce)
	if err != nil {
		return err
	}
	if res.IsDuplicate {
		return nil
	}

	entry := Entry{MessageID: messageID, Nonce: nonce, Outcome: outcome, ProcessedAt: g.now().UTC()}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	return g.kv.Put(ctx, store.Record{
		Namespace: namespace,
		Key:       messageID,
		Value:     value,
		UpdatedAt: entry.ProcessedAt,
	})
}

// Prune removes entries older than the retention window and returns how
// many were removed.
func (g *Guard) Prune(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	recs, err := g.kv.ListByIndex(ctx, namespace, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list ledger: %w", err)
	}
	cutoff := g.now().Add(-g.retention)

	removed := 0
	for _, rec := range recs {
		var entry Entry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			continue
		}
		if entry.ProcessedAt.Before(cutoff) {
			if err := g.kv.Delete(ctx, namespace, rec.Key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Entries returns every ledger entry ordered by message id.
func (g *Guard) Entries(ctx context.Context) ([]Entry, error) {
	recs, err := g.kv.ListByIndex(ctx, namespace, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var entry Entry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry %s: %w", rec.Key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (g *Guard) load(ctx context.Context, messageID string) (Entry, bool, error) {
	rec, err := g.kv.Get(ctx, namespace, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read ledger: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt ledger entry %s: %w", messageID, err)
	}
	return entry, true, nil
}

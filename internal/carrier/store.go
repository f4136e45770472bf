// Package carrier implements the Runner's blind carrier store: it holds
// and forwards chunk sets without ever reading, verifying or decrypting
// them.
//
// INVARIANTS:
// - No code path here can open a packet; this package does not import
//   trust or packet
// - Priority comes only from the plaintext urgency marker of the chunks
// - Delivery is one-way; a delivered packet is never pending again
package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/observability"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
)

const (
	namespace        = "carrier"
	historyNamespace = "carrier_history"

	indexPending   = "pending"
	indexDelivered = "delivered"
)

// Record is one carried packet.
type Record struct {
	PacketID         string              `json:"packet_id"`
	RawChunks        []string            `json:"raw_chunks"`
	PacketType       protocol.PacketType `json:"packet_type"`
	DeclaredSource   string              `json:"declared_source"`
	DetectedPriority protocol.Urgency    `json:"detected_priority"`
	PickedUpAt       time.Time           `json:"picked_up_at"`
	Acknowledged     bool                `json:"acknowledged"`
	Delivered        bool                `json:"delivered"`
	DeliveredAt      *time.Time          `json:"delivered_at,omitempty"`
}

// Size is the number of chunk characters carried.
func (r Record) Size() int {
	n := 0
	for _, c := range r.RawChunks {
		n += len(c)
	}
	return n
}

// HistoryEntry is one completed delivery.
type HistoryEntry struct {
	PacketID    string           `json:"packet_id"`
	Source      string           `json:"source"`
	Priority    protocol.Urgency `json:"priority"`
	Size        int              `json:"size"`
	PickedUpAt  time.Time        `json:"picked_up_at"`
	DeliveredAt time.Time        `json:"delivered_at"`
}

// Store holds carried packets.
type Store struct {
	kv  store.KV
	now func() time.Time
	mu  sync.Mutex
}

// NewStore creates a carrier store over kv.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// StorePacket takes custody of a complete chunk set. Chunks are parsed for
// framing and checksums only. A set without an urgency marker is NORMAL.
func (s *Store) StorePacket(ctx context.Context, rawChunks []string, declaredSource string) (Record, error) {
	if len(rawChunks) == 0 {
		return Record{}, protocol.FormatErr(protocol.CodeMissingField, "chunks", "no chunks to carry")
	}

	asm := chunk.NewAssembler()
	var prog chunk.Progress
	cleaned := make([]string, 0, len(rawChunks))
	for _, raw := range rawChunks {
		raw = strings.TrimSpace(raw)
		p, err := asm.Add(raw)
		if err != nil {
			return Record{}, err
		}
		if p.Restarted {
			return Record{}, protocol.FormatErr(protocol.CodeMalformedChunk, "chunks", "chunks belong to more than one packet")
		}
		if !p.Duplicate {
			cleaned = append(cleaned, raw)
		}
		prog = p
	}
	if !prog.Complete {
		return Record{}, protocol.FormatErr(protocol.CodeMalformedChunk, "chunks",
			fmt.Sprintf("packet incomplete: %d/%d chunks, missing %v", prog.Received, prog.Total, prog.Missing))
	}

	priority := prog.Urgency
	if !priority.Valid() {
		priority = protocol.UrgencyNormal
	}
	rec := Record{
		PacketID:         uuid.NewString(),
		RawChunks:        cleaned,
		PacketType:       prog.Type,
		DeclaredSource:   declaredSource,
		DetectedPriority: priority,
		PickedUpAt:       s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(ctx, rec); err != nil {
		return Record{}, err
	}
	s.refreshGauge(ctx)
	return rec, nil
}

// Pending returns undelivered packets, CRITICAL first, then by pickup time.
func (s *Store) Pending(ctx context.Context) ([]Record, error) {
	recs, err := s.list(ctx, indexPending)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.DetectedPriority.Rank() != b.DetectedPriority.Rank() {
			return a.DetectedPriority.Rank() < b.DetectedPriority.Rank()
		}
		return a.PickedUpAt.Before(b.PickedUpAt)
	})
	return recs, nil
}

// Get returns one carried packet.
func (s *Store) Get(ctx context.Context, packetID string) (Record, error) {
	return s.load(ctx, packetID)
}

// Acknowledge silences the attention signal for a packet.
func (s *Store) Acknowledge(ctx context.Context, packetID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx, packetID)
	if err != nil {
		return Record{}, err
	}
	rec.Acknowledged = true
	if err := s.save(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MarkDelivered records the hand-off of a packet and appends a history
// entry. Delivering twice is an invalid transition.
func (s *Store) MarkDelivered(ctx context.Context, packetID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(ctx, packetID)
	if err != nil {
		return Record{}, err
	}
	if rec.Delivered {
		return Record{}, protocol.StateErr(protocol.CodeInvalidTransition, "delivered",
			fmt.Sprintf("packet %s was already delivered", packetID))
	}
	now := s.now().UTC()
	rec.Delivered = true
	rec.Acknowledged = true
	rec.DeliveredAt = &now
	if err := s.save(ctx, rec); err != nil {
		return Record{}, err
	}

	h := HistoryEntry{
		PacketID:    rec.PacketID,
		Source:      rec.DeclaredSource,
		Priority:    rec.DetectedPriority,
		Size:        rec.Size(),
		PickedUpAt:  rec.PickedUpAt,
		DeliveredAt: now,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal history entry: %w", err)
	}
	// Keyed by delivery time so the namespace lists in delivery order.
	key := now.Format("20060102T150405.000000000") + "/" + rec.PacketID
	if err := s.kv.Put(ctx, store.Record{Namespace: historyNamespace, Key: key, Value: data}); err != nil {
		return Record{}, fmt.Errorf("failed to append delivery history: %w", err)
	}
	s.refreshGauge(ctx)
	return rec, nil
}

// History returns completed deliveries, oldest first.
func (s *Store) History(ctx context.Context) ([]HistoryEntry, error) {
	recs, err := s.kv.ListByIndex(ctx, historyNamespace, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(recs))
	for _, r := range recs {
		var h HistoryEntry
		if err := json.Unmarshal(r.Value, &h); err != nil {
			return nil, fmt.Errorf("corrupt history entry %s: %w", r.Key, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// PurgeDelivered drops the chunks of delivered packets. History is kept.
func (s *Store) PurgeDelivered(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.kv.ListByIndex(ctx, namespace, indexDelivered)
	if err != nil {
		return 0, fmt.Errorf("failed to list delivered packets: %w", err)
	}
	for _, r := range recs {
		if err := s.kv.Delete(ctx, namespace, r.Key); err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", r.Key, err)
		}
	}
	return len(recs), nil
}

// UnacknowledgedCritical returns pending CRITICAL packets nobody has
// acknowledged yet.
func (s *Store) UnacknowledgedCritical(ctx context.Context) ([]Record, error) {
	recs, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range recs {
		if r.DetectedPriority == protocol.UrgencyCritical && !r.Acknowledged {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, index string) ([]Record, error) {
	recs, err := s.kv.ListByIndex(ctx, namespace, index)
	if err != nil {
		return nil, fmt.Errorf("failed to list carried packets: %w", err)
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		var rec Record
		if err := json.Unmarshal(r.Value, &rec); err != nil {
			return nil, fmt.Errorf("corrupt carrier record %s: %w", r.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, packetID string) (Record, error) {
	r, err := s.kv.Get(ctx, namespace, packetID)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, protocol.StateErr(protocol.CodeNotFound, "packet_id", fmt.Sprintf("no carried packet %s", packetID))
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(r.Value, &rec); err != nil {
		return Record{}, fmt.Errorf("corrupt carrier record %s: %w", packetID, err)
	}
	return rec, nil
}

func (s *Store) save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal carrier record: %w", err)
	}
	index := indexPending
	if rec.Delivered {
		index = indexDelivered
	}
	if err := s.kv.Put(ctx, store.Record{Namespace: namespace, Key: rec.PacketID, Index: index, Value: data}); err != nil {
		return fmt.Errorf("failed to save carrier record %s: %w", rec.PacketID, err)
	}
	return nil
}

func (s *Store) refreshGauge(ctx context.Context) {
	recs, err := s.list(ctx, indexPending)
	if err != nil {
		return
	}
	counts := map[protocol.Urgency]int{}
	for _, r := range recs {
		counts[r.DetectedPriority]++
	}
	for _, u := range []protocol.Urgency{protocol.UrgencyCritical, protocol.UrgencyHigh, protocol.UrgencyNormal} {
		observability.SetCarrierPending(string(u), counts[u])
	}
}

// Package dispense implements the pharmacy's prescription queue.
//
// INVARIANTS:
// - An entry exists only for an RX_ORDER that passed validation
// - States move PENDING -> IN_PROGRESS -> {COMPLETED, REJECTED}; a claim
//   may be released back to PENDING
// - Claim is an atomic check-and-set: one operator wins
// - Completed and rejected entries are kept as the dispensing record
package dispense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
)

const (
	namespace     = "dispense"
	metaNamespace = "dispense_meta"
	seqKey        = "seq"
)

// State of a queue entry.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateRejected   State = "REJECTED"
)

// Reason is an enumerated rejection reason.
type Reason string

const (
	ReasonOutOfStock      Reason = "OUT_OF_STOCK"
	ReasonAllergy         Reason = "ALLERGY"
	ReasonInteraction     Reason = "INTERACTION"
	ReasonDuplicateOrder  Reason = "DUPLICATE_ORDER"
	ReasonDoseOutOfRange  Reason = "DOSE_OUT_OF_RANGE"
	ReasonPatientDeclined Reason = "PATIENT_DECLINED"
	ReasonExpiredOrder    Reason = "EXPIRED_ORDER"
	ReasonOther           Reason = "OTHER"
)

// Reasons lists every accepted rejection reason.
var Reasons = []Reason{
	ReasonOutOfStock, ReasonAllergy, ReasonInteraction, ReasonDuplicateOrder,
	ReasonDoseOutOfRange, ReasonPatientDeclined, ReasonExpiredOrder, ReasonOther,
}

// Valid reports whether r is an accepted reason.
func (r Reason) Valid() bool {
	for _, known := range Reasons {
		if r == known {
			return true
		}
	}
	return false
}

// Rejection records why an order was not filled.
type Rejection struct {
	Reason Reason `json:"reason"`
	Note   string `json:"note,omitempty"`
	By     string `json:"by"`
}

// Entry is one queued prescription.
type Entry struct {
	MessageID          string                 `json:"message_id"`
	Priority           protocol.Priority      `json:"priority"`
	ReceivedAt         time.Time              `json:"received_at"`
	Seq                int64                  `json:"seq"`
	State              State                  `json:"state"`
	VerificationResult string                 `json:"verification_result"`
	Order              packet.RxOrder         `json:"order"`
	ClaimedBy          string                 `json:"claimed_by,omitempty"`
	ClaimedAt          *time.Time             `json:"claimed_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	DispenseRecord     *packet.DispenseRecord `json:"dispense_record,omitempty"`
	Rejection          *Rejection             `json:"rejection,omitempty"`
}

// Config configures a queue.
type Config struct {
	StationID     string
	StationSecret []byte
	Schedules     packet.ControlledSchedules
	Now           func() time.Time
}

// Queue is the dispense workflow queue.
type Queue struct {
	kv  store.KV
	cfg Config
	mu  sync.Mutex
}

// NewQueue creates a queue over kv.
func NewQueue(kv store.KV, cfg Config) *Queue {
	if cfg.Schedules == nil {
		cfg.Schedules = packet.DefaultSchedules()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{kv: kv, cfg: cfg}
}

// Enqueue adds the order carried by env. Enqueueing an order that is
// already queued returns the existing entry unchanged.
func (q *Queue) Enqueue(ctx context.Context, env packet.Envelope) (Entry, bool, error) {
	if !env.Valid {
		return Entry{}, false, fmt.Errorf("refusing to queue an invalid packet: %w", env.Err)
	}
	order, ok := env.Data.(*packet.RxOrder)
	if !ok {
		return Entry{}, false, protocol.FormatErr(protocol.CodeInvalidField, "type",
			fmt.Sprintf("only RX_ORDER can be queued, got %s", env.PacketType))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.load(ctx, order.RxID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, err
	}

	seq, err := q.nextSeq(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	e := Entry{
		MessageID:          order.RxID,
		Priority:           order.Priority,
		ReceivedAt:         q.cfg.Now().UTC(),
		Seq:                seq,
		State:              StatePending,
		VerificationResult: "VALID",
		Order:              *order,
	}
	if err := q.save(ctx, e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Pending returns pending entries in service order: priority, then
// received time, then arrival sequence.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	entries, err := q.listState(ctx, StatePending)
	if err != nil {
		return nil, err
	}
	SortByPriority(entries)
	return entries, nil
}

// List returns entries in a state, or every entry for an empty state.
func (q *Queue) List(ctx context.Context, state State) ([]Entry, error) {
	entries, err := q.listState(ctx, state)
	if err != nil {
		return nil, err
	}
	SortByPriority(entries)
	return entries, nil
}

// SortByPriority orders entries STAT, URGENT, ROUTINE; ties keep arrival order.
func SortByPriority(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.Seq < b.Seq
	})
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, messageID string) (Entry, error) {
	e, err := q.load(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, notFound(messageID)
	}
	return e, err
}

// Claim moves a pending entry to IN_PROGRESS for operator.
func (q *Queue) Claim(ctx context.Context, messageID, operator string) (Entry, error) {
	if strings.TrimSpace(operator) == "" {
		return Entry{}, protocol.FormatErr(protocol.CodeMissingField, "operator", "operator is required to claim")
	}
	return q.transition(ctx, messageID, func(e *Entry, now time.Time) error {
		switch e.State {
		case StatePending:
		case StateInProgress:
			return protocol.StateErr(protocol.CodeAlreadyClaimed, "state",
				fmt.Sprintf("%s is already claimed by %s", e.MessageID, e.ClaimedBy))
		default:
			return invalid(e, StateInProgress)
		}
		e.State = StateInProgress
		e.ClaimedBy = operator
		e.ClaimedAt = &now
		return nil
	})
}

// Release returns a claimed entry to PENDING. Its position in the queue
// is unchanged.
func (q *Queue) Release(ctx context.Context, messageID string) (Entry, error) {
	return q.transition(ctx, messageID, func(e *Entry, _ time.Time) error {
		if e.State != StateInProgress {
			return invalid(e, StatePending)
		}
		e.State = StatePending
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		return nil
	})
}

// CompleteInput is what the operator confirms when handing out an order.
// Items defaults to the order's lines. Listed items may only reduce the
// quantity of an ordered line; schedule and duration always come from the
// order.
type CompleteInput struct {
	DispensedBy string
	WitnessID   string
	Items       []packet.DispensedItem
}

// Complete builds the authenticated DISPENSE_RECORD and closes the entry.
// A rule failure leaves the entry IN_PROGRESS.
func (q *Queue) Complete(ctx context.Context, messageID string, in CompleteInput) (Entry, error) {
	return q.transition(ctx, messageID, func(e *Entry, now time.Time) error {
		if e.State != StateInProgress {
			return invalid(e, StateCompleted)
		}
		by := in.DispensedBy
		if by == "" {
			by = e.ClaimedBy
		}
		items, err := dispensedItems(&e.Order, in.Items)
		if err != nil {
			return err
		}
		rec, err := packet.BuildDispenseRecord(packet.DispenseInput{
			RxID:        e.MessageID,
			StationID:   q.cfg.StationID,
			DispensedBy: by,
			WitnessID:   in.WitnessID,
			Items:       items,
		}, q.cfg.StationSecret, q.cfg.Schedules, now)
		if err != nil {
			return err
		}
		e.State = StateCompleted
		e.CompletedAt = &now
		e.DispenseRecord = rec
		return nil
	})
}

// Reject closes an entry without dispensing. OTHER needs a note.
func (q *Queue) Reject(ctx context.Context, messageID string, reason Reason, note, by string) (Entry, error) {
	if !reason.Valid() {
		return Entry{}, protocol.StateErr(protocol.CodeInvalidReason, "reason", fmt.Sprintf("unknown rejection reason %q", reason))
	}
	note = strings.TrimSpace(note)
	if reason == ReasonOther && note == "" {
		return Entry{}, protocol.StateErr(protocol.CodeInvalidReason, "note", "reason OTHER requires a note")
	}
	return q.transition(ctx, messageID, func(e *Entry, now time.Time) error {
		if e.State != StateInProgress {
			return invalid(e, StateRejected)
		}
		if by == "" {
			by = e.ClaimedBy
		}
		e.State = StateRejected
		e.CompletedAt = &now
		e.Rejection = &Rejection{Reason: reason, Note: note, By: by}
		return nil
	})
}

// dispensedItems resolves what the operator handed out against the order.
func dispensedItems(o *packet.RxOrder, listed []packet.DispensedItem) ([]packet.DispensedItem, error) {
	ordered := packet.DispensedFromOrder(o)
	if len(listed) == 0 {
		return ordered, nil
	}
	byCode := make(map[string]packet.DispensedItem, len(ordered))
	for _, it := range ordered {
		byCode[it.Code] = it
	}
	seen := make(map[string]bool, len(listed))
	items := make([]packet.DispensedItem, 0, len(listed))
	for i, it := range listed {
		field := fmt.Sprintf("items[%d]", i)
		line, ok := byCode[it.Code]
		if !ok {
			return nil, protocol.FormatErr(protocol.CodeInvalidField, field+".code",
				fmt.Sprintf("%s is not on order %s", it.Code, o.RxID))
		}
		if seen[it.Code] {
			return nil, protocol.FormatErr(protocol.CodeInvalidField, field+".code",
				fmt.Sprintf("%s is listed twice", it.Code))
		}
		seen[it.Code] = true
		if it.Qty <= 0 || it.Qty > line.Qty {
			return nil, protocol.FormatErr(protocol.CodeInvalidField, field+".qty",
				fmt.Sprintf("%s quantity must be between 1 and %d, got %d", it.Code, line.Qty, it.Qty))
		}
		if it.Unit != "" && it.Unit != line.Unit {
			return nil, protocol.FormatErr(protocol.CodeInvalidField, field+".unit",
				fmt.Sprintf("%s is ordered in %s, got %s", it.Code, line.Unit, it.Unit))
		}
		line.Qty = it.Qty
		items = append(items, line)
	}
	return items, nil
}

func (q *Queue) transition(ctx context.Context, messageID string, apply func(*Entry, time.Time) error) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.load(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, notFound(messageID)
	}
	if err != nil {
		return Entry{}, err
	}
	if err := apply(&e, q.cfg.Now().UTC()); err != nil {
		return Entry{}, err
	}
	if err := q.save(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (q *Queue) listState(ctx context.Context, state State) ([]Entry, error) {
	recs, err := q.kv.ListByIndex(ctx, namespace, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			return nil, fmt.Errorf("corrupt queue entry %s: %w", rec.Key, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *Queue) load(ctx context.Context, messageID string) (Entry, error) {
	rec, err := q.kv.Get(ctx, namespace, messageID)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(rec.Value, &e); err != nil {
		return Entry{}, fmt.Errorf("corrupt queue entry %s: %w", messageID, err)
	}
	return e, nil
}

func (q *Queue) save(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	if err := q.kv.Put(ctx, store.Record{Namespace: namespace, Key: e.MessageID, Index: string(e.State), Value: data}); err != nil {
		return fmt.Errorf("failed to save queue entry %s: %w", e.MessageID, err)
	}
	return nil
}

func (q *Queue) nextSeq(ctx context.Context) (int64, error) {
	var seq int64
	rec, err := q.kv.Get(ctx, metaNamespace, seqKey)
	switch {
	case err == nil:
		seq, err = strconv.ParseInt(string(rec.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt queue sequence: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return 0, err
	}
	seq++
	if err := q.kv.Put(ctx, store.Record{Namespace: metaNamespace, Key: seqKey, Value: []byte(strconv.FormatInt(seq, 10))}); err != nil {
		return 0, fmt.Errorf("failed to advance queue sequence: %w", err)
	}
	return seq, nil
}

func notFound(messageID string) error {
	return protocol.StateErr(protocol.CodeNotFound, "message_id", fmt.Sprintf("no queue entry %s", messageID))
}

func invalid(e *Entry, to State) error {
	return protocol.StateErr(protocol.CodeInvalidTransition, "state",
		fmt.Sprintf("%s cannot move from %s to %s", e.MessageID, e.State, to))
}

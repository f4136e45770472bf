package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
)

const (
	metaNamespace      = "station_meta"
	reportSeqKey       = "report_seq"
	actionSeqKey       = "action_seq"
	actionsNamespace   = "station_actions"
	dispensedNamespace = "station_dispensed"
)

// Reports accumulates station actions and emits them as sealed
// REPORT_PACKETs. seq_id grows by one with every report built.
type Reports struct {
	kv        store.KV
	stationID string
	secret    []byte
	hubKey    *[32]byte
	codec     *chunk.Codec
	now       func() time.Time
	mu        sync.Mutex
}

// NewReports creates a report builder for one paired station.
func NewReports(kv store.KV, stationID string, secret []byte, hubKey *[32]byte, codec *chunk.Codec) *Reports {
	if codec == nil {
		codec = chunk.Default()
	}
	return &Reports{kv: kv, stationID: stationID, secret: secret, hubKey: hubKey, codec: codec, now: time.Now}
}

// SetClock overrides the time source.
func (r *Reports) SetClock(now func() time.Time) {
	r.now = now
}

// Log queues actions for the next report. Actions without a timestamp get
// the current time.
func (r *Reports) Log(ctx context.Context, actions ...packet.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range actions {
		n, err := r.bump(ctx, actionSeqKey)
		if err != nil {
			return err
		}
		if err := r.putActionLocked(ctx, n, a); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reports) putActionLocked(ctx context.Context, n int64, a packet.Action) error {
	if a.TS == 0 {
		a.TS = r.now().Unix()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}
	// Zero-padded so the namespace lists in logging order.
	key := fmt.Sprintf("%020d", n)
	if err := r.kv.Put(ctx, store.Record{Namespace: actionsNamespace, Key: key, Value: data}); err != nil {
		return fmt.Errorf("failed to queue action: %w", err)
	}
	return nil
}

// dispensed tracks the action slots reserved for one dispense record.
type dispensed struct {
	First int64 `json:"first"`
	Done  bool  `json:"done"`
}

// LogDispense queues one DISPENSE action per dispensed line. Logging the
// same record again writes the same slots, so an interrupted call can be
// repeated without duplicating actions.
func (r *Reports) LogDispense(ctx context.Context, rec *packet.DispenseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.dispensedLocked(ctx, rec.DispenseID)
	if err != nil || d.Done {
		return err
	}
	if d.First == 0 {
		for i := range rec.Items {
			n, err := r.bump(ctx, actionSeqKey)
			if err != nil {
				return err
			}
			if i == 0 {
				d.First = n
			}
		}
		if err := r.putDispensedLocked(ctx, rec.DispenseID, d); err != nil {
			return err
		}
	}
	for i, it := range rec.Items {
		a := packet.Action{
			Type:     packet.ActionDispense,
			ItemCode: it.Code,
			Qty:      it.Qty,
			Unit:     it.Unit,
			PersonID: rec.DispensedBy,
			TS:       rec.TS,
		}
		if err := r.putActionLocked(ctx, d.First+int64(i), a); err != nil {
			return err
		}
	}
	d.Done = true
	return r.putDispensedLocked(ctx, rec.DispenseID, d)
}

// DispenseLogged reports whether every action of a dispense record has
// been queued.
func (r *Reports) DispenseLogged(ctx context.Context, dispenseID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, err := r.dispensedLocked(ctx, dispenseID)
	return d.Done, err
}

func (r *Reports) dispensedLocked(ctx context.Context, dispenseID string) (dispensed, error) {
	var d dispensed
	rec, err := r.kv.Get(ctx, dispensedNamespace, dispenseID)
	if errors.Is(err, store.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(rec.Value, &d); err != nil {
		return d, fmt.Errorf("corrupt dispense log %s: %w", dispenseID, err)
	}
	return d, nil
}

func (r *Reports) putDispensedLocked(ctx context.Context, dispenseID string, d dispensed) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal dispense log: %w", err)
	}
	if err := r.kv.Put(ctx, store.Record{Namespace: dispensedNamespace, Key: dispenseID, Value: data}); err != nil {
		return fmt.Errorf("failed to save dispense log %s: %w", dispenseID, err)
	}
	return nil
}

// Pending returns the actions waiting for the next report.
func (r *Reports) Pending(ctx context.Context) ([]packet.Action, error) {
	_, actions, err := r.pending(ctx)
	return actions, err
}

func (r *Reports) pending(ctx context.Context) ([]store.Record, []packet.Action, error) {
	recs, err := r.kv.ListByIndex(ctx, actionsNamespace, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	actions := make([]packet.Action, 0, len(recs))
	for _, rec := range recs {
		var a packet.Action
		if err := json.Unmarshal(rec.Value, &a); err != nil {
			return nil, nil, fmt.Errorf("corrupt action %s: %w", rec.Key, err)
		}
		actions = append(actions, a)
	}
	return recs, actions, nil
}

// Flush builds a report from every pending action and clears them.
func (r *Reports) Flush(ctx context.Context) (*packet.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, actions, err := r.pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, protocol.FormatErr(protocol.CodeMissingField, "actions", "no actions to report")
	}
	rep, err := r.buildLocked(ctx, "", actions)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := r.kv.Delete(ctx, actionsNamespace, rec.Key); err != nil {
			return nil, fmt.Errorf("failed to clear action %s: %w", rec.Key, err)
		}
	}
	return rep, nil
}

// AckManifest builds the report that confirms receipt of m.
func (r *Reports) AckManifest(ctx context.Context, m *packet.RestockManifest) (*packet.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildLocked(ctx, m.ManifestID, packet.ReceiveActions(m, r.now()))
}

// Encode seals rep to the Hub and chunks it.
func (r *Reports) Encode(rep *packet.Report) ([]string, error) {
	if r.hubKey == nil {
		return nil, protocol.StateErr(protocol.CodeNotPaired, "hub_encryption_key", "no Hub key to seal the report to")
	}
	return packet.EncodeSealedReport(r.codec, r.hubKey, rep)
}

// Seq returns the last issued seq_id.
func (r *Reports) Seq(ctx context.Context) (int64, error) {
	return r.counter(ctx, reportSeqKey)
}

func (r *Reports) counter(ctx context.Context, key string) (int64, error) {
	rec, err := r.kv.Get(ctx, metaNamespace, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(string(rec.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return seq, nil
}

func (r *Reports) bump(ctx context.Context, key string) (int64, error) {
	n, err := r.counter(ctx, key)
	if err != nil {
		return 0, err
	}
	n++
	if err := r.kv.Put(ctx, store.Record{Namespace: metaNamespace, Key: key, Value: []byte(strconv.FormatInt(n, 10))}); err != nil {
		return 0, fmt.Errorf("failed to advance %s: %w", key, err)
	}
	return n, nil
}

func (r *Reports) buildLocked(ctx context.Context, manifestID string, actions []packet.Action) (*packet.Report, error) {
	if len(r.secret) == 0 {
		return nil, protocol.StateErr(protocol.CodeNotPaired, "station_secret", "station is not paired")
	}
	seq, err := r.Seq(ctx)
	if err != nil {
		return nil, err
	}
	rep, err := packet.NewReport(r.secret, r.stationID, seq+1, manifestID, actions, r.now())
	if err != nil {
		return nil, err
	}
	if _, err := r.bump(ctx, reportSeqKey); err != nil {
		return nil, err
	}
	return rep, nil
}

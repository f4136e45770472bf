package dispense_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xirs/xirs/internal/dispense"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/packet/packettest"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
)

type harness struct {
	f     *packettest.Fixture
	reg   *packet.Registry
	queue *dispense.Queue
}

func newHarness(t *testing.T, perms ...string) *harness {
	t.Helper()
	f := packettest.New(t, perms...)
	q := dispense.NewQueue(store.NewMemStore(), dispense.Config{
		StationID:     f.StationID,
		StationSecret: f.Secret,
		Now:           func() time.Time { return packettest.Now },
	})
	return &harness{f: f, reg: f.Registry(), queue: q}
}

func (h *harness) enqueue(t *testing.T, o *packet.RxOrder) dispense.Entry {
	t.Helper()
	env := h.reg.Dispatch(context.Background(), packettest.Raw(t, o))
	if !env.Valid {
		t.Fatalf("order did not validate: %v", env.Err)
	}
	e, _, err := h.queue.Enqueue(context.Background(), env)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return e
}

func TestQueue_PriorityOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []protocol.Priority{protocol.PriorityRoutine, protocol.PriorityStat, protocol.PriorityUrgent, protocol.PriorityStat} {
		ids = append(ids, h.enqueue(t, h.f.Order(t, p)).MessageID)
	}

	pending, err := h.queue.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{ids[1], ids[3], ids[2], ids[0]}
	if len(pending) != len(want) {
		t.Fatalf("expected %d pending, got %d", len(want), len(pending))
	}
	for i, e := range pending {
		if e.MessageID != want[i] {
			t.Errorf("position %d: expected %s, got %s (%s)", i, want[i], e.MessageID, e.Priority)
		}
	}
}

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.f.Order(t, protocol.PriorityStat)
	env := h.reg.Dispatch(ctx, packettest.Raw(t, o))

	first, created, err := h.queue.Enqueue(ctx, env)
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := h.queue.Enqueue(ctx, env)
	if err != nil || created {
		t.Fatalf("second enqueue: created=%v err=%v", created, err)
	}
	if second.Seq != first.Seq {
		t.Errorf("expected the existing entry back")
	}
	all, _ := h.queue.List(ctx, "")
	if len(all) != 1 {
		t.Errorf("expected 1 entry, got %d", len(all))
	}
}

func TestQueue_RejectsInvalidEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, _, err := h.queue.Enqueue(ctx, packet.Envelope{Err: protocol.TrustErr(protocol.CodeSignatureInvalid, "signature", "bad")}); err == nil {
		t.Error("expected invalid envelope to be refused")
	}
	env := h.reg.Dispatch(ctx, packettest.Raw(t, h.f.Manifest(t)))
	if _, _, err := h.queue.Enqueue(ctx, env); protocol.CodeOf(err) != protocol.CodeInvalidField {
		t.Errorf("expected a manifest to be refused, got %v", err)
	}
}

func TestQueue_ClaimIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.enqueue(t, h.f.Order(t, protocol.PriorityStat))

	const operators = 8
	var wg sync.WaitGroup
	results := make(chan error, operators)
	for i := 0; i < operators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.queue.Claim(ctx, e.MessageID, "PH-"+string(rune('A'+i)))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case protocol.CodeOf(err) != protocol.CodeAlreadyClaimed:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winning claim, got %d", wins)
	}
}

func TestQueue_Transitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.enqueue(t, h.f.Order(t, protocol.PriorityUrgent))

	if _, err := h.queue.Complete(ctx, e.MessageID, dispense.CompleteInput{}); protocol.CodeOf(err) != protocol.CodeInvalidTransition {
		t.Errorf("completing a pending entry should fail, got %v", err)
	}
	if _, err := h.queue.Release(ctx, e.MessageID); protocol.CodeOf(err) != protocol.CodeInvalidTransition {
		t.Errorf("releasing a pending entry should fail, got %v", err)
	}

	if _, err := h.queue.Claim(ctx, e.MessageID, "PH-1"); err != nil {
		t.Fatal(err)
	}
	released, err := h.queue.Release(ctx, e.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if released.State != dispense.StatePending || released.ClaimedBy != "" || released.Seq != e.Seq {
		t.Errorf("release should restore the pending entry, got %+v", released)
	}

	if _, err := h.queue.Claim(ctx, e.MessageID, "PH-2"); err != nil {
		t.Fatal(err)
	}
	done, err := h.queue.Complete(ctx, e.MessageID, dispense.CompleteInput{})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if done.State != dispense.StateCompleted || done.DispenseRecord == nil {
		t.Fatalf("expected completed entry with record, got %+v", done)
	}
	if done.DispenseRecord.DispensedBy != "PH-2" || done.DispenseRecord.RxID != e.MessageID {
		t.Errorf("record does not reflect the claim: %+v", done.DispenseRecord)
	}
	if env := h.reg.Dispatch(ctx, packettest.Raw(t, done.DispenseRecord)); !env.Valid {
		t.Errorf("dispense record should validate, got %v", env.Err)
	}

	for _, op := range []func() error{
		func() error { _, err := h.queue.Claim(ctx, e.MessageID, "PH-3"); return err },
		func() error { _, err := h.queue.Reject(ctx, e.MessageID, dispense.ReasonAllergy, "", "PH-3"); return err },
	} {
		if protocol.CodeOf(op()) != protocol.CodeInvalidTransition {
			t.Error("a completed entry must be terminal")
		}
	}

	if _, err := h.queue.Claim(ctx, "RX-404", "PH-1"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestQueue_CompleteEnforcesWitness(t *testing.T) {
	h := newHarness(t, model.PermRxWrite, model.PermRxControlled)
	ctx := context.Background()
	o := h.f.Order(t, protocol.PriorityStat, packet.RxItem{
		Code: "MORPH10", Name: "Morphine", Qty: 10, Unit: "tab", DurationDays: 5, Controlled: true, Schedule: "II",
	})
	e := h.enqueue(t, o)
	if _, err := h.queue.Claim(ctx, e.MessageID, "PH-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.queue.Complete(ctx, e.MessageID, dispense.CompleteInput{}); protocol.CodeOf(err) != protocol.CodeWitnessRequired {
		t.Fatalf("expected WITNESS_REQUIRED, got %v", err)
	}
	still, _ := h.queue.Get(ctx, e.MessageID)
	if still.State != dispense.StateInProgress {
		t.Errorf("failed completion must leave the entry claimed, got %s", still.State)
	}

	done, err := h.queue.Complete(ctx, e.MessageID, dispense.CompleteInput{WitnessID: "RN-4"})
	if err != nil {
		t.Fatalf("complete with witness failed: %v", err)
	}
	if done.DispenseRecord.WitnessID != "RN-4" {
		t.Errorf("expected witness on record, got %q", done.DispenseRecord.WitnessID)
	}
}

func TestQueue_RejectReasons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.enqueue(t, h.f.Order(t, protocol.PriorityRoutine))
	if _, err := h.queue.Claim(ctx, e.MessageID, "PH-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.queue.Reject(ctx, e.MessageID, "BORED", "", "PH-1"); protocol.CodeOf(err) != protocol.CodeInvalidReason {
		t.Errorf("expected INVALID_REASON, got %v", err)
	}
	if _, err := h.queue.Reject(ctx, e.MessageID, dispense.ReasonOther, "  ", "PH-1"); protocol.CodeOf(err) != protocol.CodeInvalidReason {
		t.Errorf("OTHER without a note should fail, got %v", err)
	}

	rej, err := h.queue.Reject(ctx, e.MessageID, dispense.ReasonOther, "patient transferred", "PH-1")
	if err != nil {
		t.Fatal(err)
	}
	if rej.State != dispense.StateRejected || rej.Rejection.Note != "patient transferred" {
		t.Errorf("unexpected rejected entry %+v", rej)
	}

	pending, _ := h.queue.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("rejected entry should leave the pending list")
	}
	rejected, _ := h.queue.List(ctx, dispense.StateRejected)
	if len(rejected) != 1 {
		t.Errorf("rejected entry should be retained, got %d", len(rejected))
	}
}

func TestQueue_RejectNeedsClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.enqueue(t, h.f.Order(t, protocol.PriorityRoutine))

	if _, err := h.queue.Reject(ctx, e.MessageID, dispense.ReasonOutOfStock, "", "PH-1"); protocol.CodeOf(err) != protocol.CodeInvalidTransition {
		t.Fatalf("rejecting a pending entry should fail with INVALID_TRANSITION, got %v", err)
	}
	still, err := h.queue.Get(ctx, e.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if still.State != dispense.StatePending || still.Rejection != nil {
		t.Errorf("entry should stay pending, got %s", still.State)
	}
}

func TestQueue_CompleteResolvesItemsAgainstOrder(t *testing.T) {
	h := newHarness(t, model.PermRxWrite, model.PermRxControlled)
	ctx := context.Background()
	o := h.f.Order(t, protocol.PriorityStat,
		packet.RxItem{Code: "MORPH10", Name: "Morphine", Qty: 10, Unit: "tab", DurationDays: 5, Controlled: true, Schedule: "II"},
		packet.RxItem{Code: "PARA500", Name: "Paracetamol", Qty: 20, Unit: "tab", DurationDays: 5},
	)
	e := h.enqueue(t, o)
	if _, err := h.queue.Claim(ctx, e.MessageID, "PH-1"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		items []packet.DispensedItem
		want  protocol.Code
	}{
		{"schedule dropped by caller", []packet.DispensedItem{{Code: "MORPH10", Qty: 10, Unit: "tab"}}, protocol.CodeWitnessRequired},
		{"not on order", []packet.DispensedItem{{Code: "FENT50", Qty: 1, Unit: "patch"}}, protocol.CodeInvalidField},
		{"more than ordered", []packet.DispensedItem{{Code: "PARA500", Qty: 21, Unit: "tab"}}, protocol.CodeInvalidField},
		{"zero quantity", []packet.DispensedItem{{Code: "PARA500", Qty: 0, Unit: "tab"}}, protocol.CodeInvalidField},
		{"listed twice", []packet.DispensedItem{{Code: "PARA500", Qty: 5}, {Code: "PARA500", Qty: 5}}, protocol.CodeInvalidField},
		{"wrong unit", []packet.DispensedItem{{Code: "PARA500", Qty: 5, Unit: "ml"}}, protocol.CodeInvalidField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.queue.Complete(ctx, e.MessageID, dispense.CompleteInput{Items: tt.items})
			if protocol.CodeOf(err) != tt.want {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}

	still, _ := h.queue.Get(ctx, e.MessageID)
	if still.State != dispense.StateInProgress {
		t.Fatalf("refused completions must leave the entry claimed, got %s", still.State)
	}

	done, err := h.queue.Complete(ctx, e.MessageID, dispense.CompleteInput{
		WitnessID: "RN-4",
		Items:     []packet.DispensedItem{{Code: "MORPH10", Qty: 6}},
	})
	if err != nil {
		t.Fatalf("partial completion failed: %v", err)
	}
	got := done.DispenseRecord.Items
	if len(got) != 1 || got[0].Qty != 6 || got[0].Schedule != "II" || got[0].Unit != "tab" || got[0].DurationDays != 5 {
		t.Errorf("dispensed line should carry the order's schedule and unit, got %+v", got)
	}
}

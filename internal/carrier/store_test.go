package carrier

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
)

func chunksFor(t *testing.T, pt protocol.PacketType, urgency protocol.Urgency, size int) []string {
	t.Helper()
	// Opaque bytes: the carrier must not care what is inside.
	payload := bytes.Repeat([]byte{0x9f, 0x01, 0x7e}, size/3+1)[:size]
	chunks, err := chunk.Default().Encode(pt, payload, urgency)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return chunks
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore() *Store {
	s := NewStore(store.NewMemStore())
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s.SetClock(c.now)
	return s
}

func TestStorePacket_PendingOrder(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	normal, err := s.StorePacket(ctx, chunksFor(t, protocol.ReportPacket, "", 300), "SUPPLY-01")
	if err != nil {
		t.Fatal(err)
	}
	critical, err := s.StorePacket(ctx, chunksFor(t, protocol.RxOrder, protocol.UrgencyCritical, 300), "DOC-01")
	if err != nil {
		t.Fatal(err)
	}
	high, err := s.StorePacket(ctx, chunksFor(t, protocol.RxOrder, protocol.UrgencyHigh, 300), "DOC-02")
	if err != nil {
		t.Fatal(err)
	}

	if normal.DetectedPriority != protocol.UrgencyNormal {
		t.Errorf("unmarked packet should be NORMAL, got %s", normal.DetectedPriority)
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{critical.PacketID, high.PacketID, normal.PacketID}
	for i, r := range pending {
		if r.PacketID != want[i] {
			t.Errorf("position %d: expected %s, got %s (%s)", i, want[i], r.PacketID, r.DetectedPriority)
		}
	}
}

func TestStorePacket_RejectsIncompleteOrMixed(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	big := chunksFor(t, protocol.CertUpdate, "", 3000)
	if len(big) < 2 {
		t.Fatalf("expected a multi-chunk packet, got %d", len(big))
	}

	if _, err := s.StorePacket(ctx, big[:len(big)-1], "HUB"); protocol.CodeOf(err) != protocol.CodeMalformedChunk {
		t.Errorf("expected incomplete set to be refused, got %v", err)
	}
	mixed := append([]string{big[0]}, chunksFor(t, protocol.RxOrder, protocol.UrgencyCritical, 1500)...)
	if _, err := s.StorePacket(ctx, mixed, "HUB"); err == nil {
		t.Error("expected mixed chunk set to be refused")
	}
	if _, err := s.StorePacket(ctx, nil, "HUB"); protocol.CodeOf(err) != protocol.CodeMissingField {
		t.Errorf("expected MISSING_FIELD, got %v", err)
	}

	withDup := append(append([]string{}, big...), big[0])
	rec, err := s.StorePacket(ctx, withDup, "HUB")
	if err != nil {
		t.Fatalf("duplicate scans should be tolerated: %v", err)
	}
	if len(rec.RawChunks) != len(big) {
		t.Errorf("expected duplicates dropped, got %d chunks", len(rec.RawChunks))
	}
}

func TestMarkDelivered_OneWay(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	rec, err := s.StorePacket(ctx, chunksFor(t, protocol.RxOrder, protocol.UrgencyCritical, 200), "DOC-01")
	if err != nil {
		t.Fatal(err)
	}

	delivered, err := s.MarkDelivered(ctx, rec.PacketID)
	if err != nil {
		t.Fatal(err)
	}
	if !delivered.Delivered || delivered.DeliveredAt == nil {
		t.Errorf("expected delivered record, got %+v", delivered)
	}
	if _, err := s.MarkDelivered(ctx, rec.PacketID); protocol.CodeOf(err) != protocol.CodeInvalidTransition {
		t.Errorf("expected second delivery to fail, got %v", err)
	}

	pending, _ := s.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("delivered packet must leave pending, got %d", len(pending))
	}
	history, err := s.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].PacketID != rec.PacketID || history[0].Size != rec.Size() {
		t.Errorf("unexpected history %+v", history)
	}

	n, err := s.PurgeDelivered(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d (%v)", n, err)
	}
	if _, err := s.Get(ctx, rec.PacketID); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("purged packet should be gone, got %v", err)
	}
	if history, _ := s.History(ctx); len(history) != 1 {
		t.Error("purge must keep delivery history")
	}
}

func TestAlerter_StopsAfterAcknowledge(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	rec, err := s.StorePacket(ctx, chunksFor(t, protocol.RxOrder, protocol.UrgencyCritical, 200), "DOC-01")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StorePacket(ctx, chunksFor(t, protocol.RxOrder, protocol.UrgencyHigh, 200), "DOC-02"); err != nil {
		t.Fatal(err)
	}

	var signals atomic.Int32
	a := NewAlerter(s, time.Millisecond, func(pending []Record) {
		if len(pending) != 1 || pending[0].PacketID != rec.PacketID {
			t.Errorf("only the critical packet should alert, got %d", len(pending))
		}
		signals.Add(1)
	}, zerolog.Nop())

	if !a.Check(ctx) {
		t.Fatal("expected an alert for an unacknowledged critical packet")
	}
	if _, err := s.Acknowledge(ctx, rec.PacketID); err != nil {
		t.Fatal(err)
	}
	if a.Check(ctx) {
		t.Error("acknowledged packet should not alert")
	}
	if signals.Load() != 1 {
		t.Errorf("expected 1 signal, got %d", signals.Load())
	}
}

func TestAlerter_RunStopsOnCancel(t *testing.T) {
	s := newStore()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.StorePacket(ctx, chunksFor(t, protocol.RxOrder, protocol.UrgencyCritical, 200), "DOC-01"); err != nil {
		t.Fatal(err)
	}

	var signals atomic.Int32
	a := NewAlerter(s, 5*time.Millisecond, func([]Record) {
		if signals.Add(1) == 3 {
			cancel()
		}
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("alerter did not stop after cancel")
	}
	if signals.Load() < 3 {
		t.Errorf("expected repeated signals, got %d", signals.Load())
	}
}

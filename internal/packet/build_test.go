package packet_test

import (
	"context"
	"testing"

	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/packet/packettest"
	"github.com/xirs/xirs/internal/protocol"
)

func TestBuildDispenseRecord_Rules(t *testing.T) {
	f := packettest.New(t)
	schedules := packet.DefaultSchedules()

	tests := []struct {
		name    string
		witness string
		item    packet.DispensedItem
		code    protocol.Code
	}{
		{"plain item", "", packet.DispensedItem{Code: "AMOX500", Qty: 21, Unit: "cap", DurationDays: 7}, ""},
		{"schedule II with witness", "RN-7", packet.DispensedItem{Code: "MORPH10", Qty: 10, Schedule: "II", DurationDays: 5}, ""},
		{"schedule II without witness", "", packet.DispensedItem{Code: "MORPH10", Qty: 10, Schedule: "II", DurationDays: 5}, protocol.CodeWitnessRequired},
		{"blank witness", "   ", packet.DispensedItem{Code: "MORPH10", Qty: 10, Schedule: "III", DurationDays: 5}, protocol.CodeWitnessRequired},
		{"schedule IV needs no witness", "", packet.DispensedItem{Code: "DIAZ5", Qty: 30, Schedule: "IV", DurationDays: 30}, ""},
		{"schedule II over supply cap", "RN-7", packet.DispensedItem{Code: "MORPH10", Qty: 40, Schedule: "II", DurationDays: 8}, protocol.CodeSupplyLimitExceeded},
		{"unknown schedule", "RN-7", packet.DispensedItem{Code: "X", Qty: 1, Schedule: "IX"}, protocol.CodeInvalidField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := packet.DispenseInput{
				RxID:        "RX-1",
				StationID:   f.StationID,
				DispensedBy: "PH-3",
				WitnessID:   tt.witness,
				Items:       []packet.DispensedItem{tt.item},
			}
			rec, err := packet.BuildDispenseRecord(in, f.Secret, schedules, packettest.Now)
			if protocol.CodeOf(err) != tt.code {
				t.Fatalf("expected %q, got %v", tt.code, err)
			}
			if tt.code != "" {
				if rec != nil {
					t.Error("no record should be built when a rule fails")
				}
				return
			}
			if rec.HMAC == "" {
				t.Error("record should be authenticated")
			}
			env := f.Registry().Dispatch(context.Background(), packettest.Raw(t, rec))
			if !env.Valid {
				t.Errorf("built record should validate, got %v", env.Err)
			}
		})
	}
}

func TestBuildDispenseRecord_RequiresSecret(t *testing.T) {
	in := packet.DispenseInput{RxID: "RX-1", DispensedBy: "PH-3", Items: []packet.DispensedItem{{Code: "A", Qty: 1}}}
	if _, err := packet.BuildDispenseRecord(in, nil, nil, packettest.Now); protocol.CodeOf(err) != protocol.CodeNotPaired {
		t.Errorf("expected NOT_PAIRED, got %v", err)
	}
}

func TestEncode_OrderThroughChunks(t *testing.T) {
	f := packettest.New(t)
	o := f.Order(t, protocol.PriorityStat)

	chunks, err := packet.Encode(chunk.Default(), o)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	c, err := chunk.Parse(chunks[0])
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != protocol.RxOrder || c.Urgency != protocol.UrgencyCritical {
		t.Errorf("expected RX_ORDER:CRITICAL, got %s:%s", c.Type, c.Urgency)
	}

	prog, err := chunk.Reassemble(chunks)
	if err != nil || !prog.Complete {
		t.Fatalf("reassembly failed: %v", err)
	}
	if env := f.Registry().Dispatch(context.Background(), prog.Payload); !env.Valid {
		t.Errorf("reassembled order should validate, got %v", env.Err)
	}
}

func TestSignPacket_RejectsMACVariant(t *testing.T) {
	f := packettest.New(t)
	if err := packet.SignPacket(f.HubPriv, &packet.Report{}); err == nil {
		t.Error("expected error signing a MAC'd packet")
	}
	if err := packet.AuthenticatePacket(f.Secret, &packet.RxOrder{}); err == nil {
		t.Error("expected error authenticating a signed packet")
	}
}

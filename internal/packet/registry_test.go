package packet_test

import (
	"context"
	"testing"
	"time"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/packet/packettest"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

func TestDispatch_RxOrder(t *testing.T) {
	f := packettest.New(t)
	reg := f.Registry()
	ctx := context.Background()

	o := f.Order(t, protocol.PriorityStat)
	env := reg.Dispatch(ctx, packettest.Raw(t, o))
	if !env.Valid {
		t.Fatalf("expected valid order, got %v", env.Err)
	}
	got, ok := env.Data.(*packet.RxOrder)
	if !ok {
		t.Fatalf("expected *RxOrder, got %T", env.Data)
	}
	if got.RxID != o.RxID || got.Priority != protocol.PriorityStat {
		t.Errorf("decoded order differs: %+v", got)
	}
}

func TestDispatch_RxOrderTamper(t *testing.T) {
	f := packettest.New(t)
	reg := f.Registry()
	ctx := context.Background()
	raw := packettest.Raw(t, f.Order(t, protocol.PriorityRoutine))

	tests := []struct {
		name   string
		mutate func(map[string]any)
		code   protocol.Code
	}{
		{"changed patient", func(m map[string]any) { m["patient_ref"] = "P-9999" }, protocol.CodeSignatureInvalid},
		{"added field", func(m map[string]any) { m["note"] = "extra" }, protocol.CodeSignatureInvalid},
		{"removed version", func(m map[string]any) { delete(m, "version") }, protocol.CodeMissingField},
		{"unknown prescriber", func(m map[string]any) { m["prescriber_id"] = "DR-404" }, protocol.CodeUnknownSigner},
		{"bad priority", func(m map[string]any) { m["priority"] = "SOON" }, protocol.CodeInvalidField},
		{"short nonce", func(m map[string]any) { m["nonce"] = "abcd" }, protocol.CodeInvalidField},
		{"no type", func(m map[string]any) { delete(m, "type") }, protocol.CodeMissingField},
		{"unknown type", func(m map[string]any) { m["type"] = "INVOICE" }, protocol.CodeUnknownPacketType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := reg.Dispatch(ctx, packettest.Mutate(t, raw, tt.mutate))
			if env.Valid {
				t.Fatal("expected rejection")
			}
			if protocol.CodeOf(env.Err) != tt.code {
				t.Errorf("expected %s, got %v", tt.code, env.Err)
			}
		})
	}
}

func TestDispatch_MalformedPayload(t *testing.T) {
	reg := packettest.New(t).Registry()
	for _, raw := range []string{"", "not json", "[1,2]", `"RX_ORDER"`} {
		env := reg.Dispatch(context.Background(), []byte(raw))
		if env.Valid || protocol.CodeOf(env.Err) != protocol.CodeMalformedPayload {
			t.Errorf("%q: expected MALFORMED_PAYLOAD, got %v", raw, env.Err)
		}
	}
}

func TestDispatch_RxOrderCertificateChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("revoked", func(t *testing.T) {
		f := packettest.New(t)
		if err := f.Certs.Revoke(ctx, f.PrescriberID); err != nil {
			t.Fatal(err)
		}
		env := f.Registry().Dispatch(ctx, packettest.Raw(t, f.Order(t, protocol.PriorityStat)))
		if protocol.CodeOf(env.Err) != protocol.CodeCertRevoked {
			t.Errorf("expected CERT_REVOKED, got %v", env.Err)
		}
	})

	t.Run("expired by verifier clock", func(t *testing.T) {
		f := packettest.New(t)
		cfg := f.Config()
		cfg.Now = func() time.Time { return time.Unix(f.Cert.ValidUntil+1, 0) }
		env := packet.NewRegistry(cfg).Dispatch(ctx, packettest.Raw(t, f.Order(t, protocol.PriorityStat)))
		if protocol.CodeOf(env.Err) != protocol.CodeCertExpired {
			t.Errorf("expected CERT_EXPIRED, got %v", env.Err)
		}
	})

	t.Run("forged issuer", func(t *testing.T) {
		f := packettest.New(t)
		_, otherHub, _ := trust.GenerateSigningKey()
		forged := f.Cert
		forged.Permissions = []string{model.PermRxWrite, model.PermRxControlled}
		if err := certs.Sign(otherHub, &forged); err != nil {
			t.Fatal(err)
		}
		cache := certs.NewCache(store.NewMemStore())
		if err := cache.Put(ctx, forged); err != nil {
			t.Fatal(err)
		}
		cfg := f.Config()
		cfg.Certs = cache
		env := packet.NewRegistry(cfg).Dispatch(ctx, packettest.Raw(t, f.Order(t, protocol.PriorityStat)))
		if protocol.CodeOf(env.Err) != protocol.CodeCertIssuerInvalid {
			t.Errorf("expected CERT_ISSUER_INVALID, got %v", env.Err)
		}
	})
}

func TestDispatch_OrderNeedsWritePermission(t *testing.T) {
	ctx := context.Background()
	for _, perms := range [][]string{{"rx:read"}, {model.PermRxControlled}} {
		f := packettest.New(t, perms...)
		env := f.Registry().Dispatch(ctx, packettest.Raw(t, f.Order(t, protocol.PriorityRoutine)))
		if protocol.CodeOf(env.Err) != protocol.CodeNotAuthorized || protocol.KindOf(env.Err) != protocol.KindAuthorization {
			t.Errorf("perms %v: expected NOT_AUTHORIZED, got %v", perms, env.Err)
		}
	}
}

func TestDispatch_ControlledNeedsPermission(t *testing.T) {
	ctx := context.Background()
	item := packet.RxItem{Code: "MORPH10", Name: "Morphine", Qty: 10, Unit: "tab", DurationDays: 5, Controlled: true, Schedule: "II"}

	f := packettest.New(t, model.PermRxWrite)
	env := f.Registry().Dispatch(ctx, packettest.Raw(t, f.Order(t, protocol.PriorityUrgent, item)))
	if protocol.CodeOf(env.Err) != protocol.CodeNotAuthorized {
		t.Fatalf("expected NOT_AUTHORIZED, got %v", env.Err)
	}
	if protocol.KindOf(env.Err) != protocol.KindAuthorization {
		t.Errorf("expected AuthorizationError, got %s", protocol.KindOf(env.Err))
	}

	g := packettest.New(t, model.PermRxWrite, model.PermRxControlled)
	if env := g.Registry().Dispatch(ctx, packettest.Raw(t, g.Order(t, protocol.PriorityUrgent, item))); !env.Valid {
		t.Errorf("expected controlled order to pass with permission, got %v", env.Err)
	}

	item.Schedule = "VII"
	env = g.Registry().Dispatch(ctx, packettest.Raw(t, g.Order(t, protocol.PriorityUrgent, item)))
	if protocol.CodeOf(env.Err) != protocol.CodeInvalidField {
		t.Errorf("expected INVALID_FIELD for unknown schedule, got %v", env.Err)
	}
}

func TestDispatch_Manifest(t *testing.T) {
	f := packettest.New(t)
	ctx := context.Background()
	raw := packettest.Raw(t, f.Manifest(t))

	if env := f.Registry().Dispatch(ctx, raw); !env.Valid {
		t.Fatalf("expected valid manifest, got %v", env.Err)
	}

	tampered := packettest.Mutate(t, raw, func(m map[string]any) {
		m["items"] = []any{map[string]any{"code": "GAUZE", "qty": 400, "unit": "pack"}}
	})
	if env := f.Registry().Dispatch(ctx, tampered); protocol.CodeOf(env.Err) != protocol.CodeSignatureInvalid {
		t.Errorf("expected SIGNATURE_INVALID, got %v", env.Err)
	}

	cfg := f.Config()
	cfg.StationID = "SUPPLY-09"
	if env := packet.NewRegistry(cfg).Dispatch(ctx, raw); protocol.CodeOf(env.Err) != protocol.CodeNotAuthorized {
		t.Errorf("expected NOT_AUTHORIZED for another station, got %v", env.Err)
	}

	cfg = f.Config()
	cfg.HubSigningKey = nil
	if env := packet.NewRegistry(cfg).Dispatch(ctx, raw); protocol.CodeOf(env.Err) != protocol.CodeUnknownSigner {
		t.Errorf("expected UNKNOWN_SIGNER without a hub key, got %v", env.Err)
	}
}

func TestDispatch_ConsumptionTicket(t *testing.T) {
	f := packettest.New(t)
	ctx := context.Background()
	tk, err := packet.NewConsumptionTicket(f.Secret, f.StationID, "PERSON-7", []packet.LineItem{{Code: "WATER", Qty: 2, Unit: "L"}}, packettest.Now)
	if err != nil {
		t.Fatal(err)
	}
	raw := packettest.Raw(t, tk)

	if env := f.Registry().Dispatch(ctx, raw); !env.Valid {
		t.Fatalf("expected valid ticket, got %v", env.Err)
	}

	tampered := packettest.Mutate(t, raw, func(m map[string]any) { m["person_ref"] = "PERSON-8" })
	if env := f.Registry().Dispatch(ctx, tampered); protocol.CodeOf(env.Err) != protocol.CodeMACInvalid {
		t.Errorf("expected MAC_INVALID, got %v", env.Err)
	}

	cfg := f.Config()
	cfg.StationSecret = nil
	if env := packet.NewRegistry(cfg).Dispatch(ctx, raw); protocol.CodeOf(env.Err) != protocol.CodeNotPaired {
		t.Errorf("expected NOT_PAIRED, got %v", env.Err)
	}
}

func TestDispatch_CertUpdate(t *testing.T) {
	f := packettest.New(t)
	ctx := context.Background()
	nonce, _ := trust.NewNonce()
	u := &packet.CertUpdate{
		Type:     protocol.CertUpdate,
		Version:  protocol.Version,
		UpdateID: "CU-1",
		Certs:    []model.Certificate{f.Cert},
		Revoked:  []string{"DR-OLD"},
		TS:       packettest.Now.Unix(),
		Nonce:    nonce,
	}
	if err := packet.SignPacket(f.HubPriv, u); err != nil {
		t.Fatal(err)
	}
	if env := f.Registry().Dispatch(ctx, packettest.Raw(t, u)); !env.Valid {
		t.Fatalf("expected valid update, got %v", env.Err)
	}

	// A certificate the Hub never signed poisons the whole update.
	bad := f.Cert
	bad.Permissions = append(bad.Permissions, model.PermRxControlled)
	u.Certs = []model.Certificate{f.Cert, bad}
	if err := packet.SignPacket(f.HubPriv, u); err != nil {
		t.Fatal(err)
	}
	env := f.Registry().Dispatch(ctx, packettest.Raw(t, u))
	if protocol.CodeOf(env.Err) != protocol.CodeCertIssuerInvalid {
		t.Fatalf("expected CERT_ISSUER_INVALID, got %v", env.Err)
	}
	if e, _ := protocol.AsError(env.Err); e.Field != "certs[1]" {
		t.Errorf("expected field certs[1], got %q", e.Field)
	}
}

func TestDispatch_SealedReport(t *testing.T) {
	f := packettest.New(t)
	ctx := context.Background()
	rep, err := packet.NewReport(f.Secret, f.StationID, 3, "", []packet.Action{{Type: packet.ActionDispense, ItemCode: "AMOX500", Qty: 21, TS: packettest.Now.Unix()}}, packettest.Now)
	if err != nil {
		t.Fatal(err)
	}
	envelope, err := trust.SealReport(f.HubEncPub, rep)
	if err != nil {
		t.Fatal(err)
	}

	hub := packet.NewRegistry(packet.Config{
		Secrets: func(_ context.Context, stationID string) ([]byte, error) {
			if stationID == f.StationID {
				return f.Secret, nil
			}
			return nil, store.ErrNotFound
		},
		Open: func(b []byte) ([]byte, error) { return trust.OpenReport(f.HubEncPub, f.HubEncPriv, b) },
		Now:  func() time.Time { return packettest.Now },
	})
	env := hub.Dispatch(ctx, envelope)
	if !env.Valid || !env.Sealed {
		t.Fatalf("expected valid sealed report, got %+v", env)
	}
	if got := env.Data.(*packet.Report); got.SeqID != 3 || got.PacketID != rep.PacketID {
		t.Errorf("unexpected report %+v", got)
	}

	// A station cannot read another station's sealed report.
	if env := f.Registry().Dispatch(ctx, envelope); protocol.CodeOf(env.Err) != protocol.CodeDecryptFailed {
		t.Errorf("expected DECRYPT_FAILED on a station, got %v", env.Err)
	}

	rep.StationID = "SUPPLY-404"
	if err := packet.AuthenticatePacket(f.Secret, rep); err != nil {
		t.Fatal(err)
	}
	if env := hub.Dispatch(ctx, packettest.Raw(t, rep)); protocol.CodeOf(env.Err) != protocol.CodeUnknownSigner {
		t.Errorf("expected UNKNOWN_SIGNER for an unregistered station, got %v", env.Err)
	}
}

func TestDispatch_PairInvite(t *testing.T) {
	f := packettest.New(t)
	ctx := context.Background()
	nonce, _ := trust.NewNonce()
	inv := &packet.PairInvite{
		Type:        protocol.StationPairInvite,
		Ver:         1,
		HubURL:      "http://hub.local:8090",
		PairingCode: "K7M2QX",
		StationID:   "SUPPLY-02",
		StationType: protocol.StationSupply,
		ExpiresAt:   packettest.Now.Add(10 * time.Minute).Unix(),
		TS:          packettest.Now.Unix(),
		Nonce:       nonce,
	}
	unpaired := packet.NewRegistry(packet.Config{Now: func() time.Time { return packettest.Now }})

	if env := unpaired.Dispatch(ctx, packettest.Raw(t, inv)); !env.Valid {
		t.Fatalf("expected unsigned invite to pass, got %v", env.Err)
	}

	if err := packet.SignPacket(f.HubPriv, inv); err != nil {
		t.Fatal(err)
	}
	raw := packettest.Raw(t, inv)
	if env := f.Registry().Dispatch(ctx, raw); !env.Valid {
		t.Fatalf("expected signed invite to pass, got %v", env.Err)
	}
	redirected := packettest.Mutate(t, raw, func(m map[string]any) { m["hub_url"] = "http://evil.local" })
	if env := f.Registry().Dispatch(ctx, redirected); protocol.CodeOf(env.Err) != protocol.CodeSignatureInvalid {
		t.Errorf("expected SIGNATURE_INVALID, got %v", env.Err)
	}

	late := packet.NewRegistry(packet.Config{Now: func() time.Time { return packettest.Now.Add(11 * time.Minute) }})
	if env := late.Dispatch(ctx, raw); protocol.CodeOf(env.Err) != protocol.CodeExpired {
		t.Errorf("expected EXPIRED, got %v", env.Err)
	}

	badCode := packettest.Mutate(t, raw, func(m map[string]any) { m["pairing_code"] = "K7M2Q0" })
	if env := unpaired.Dispatch(ctx, badCode); protocol.CodeOf(env.Err) != protocol.CodeInvalidField {
		t.Errorf("expected INVALID_FIELD for code outside the alphabet, got %v", env.Err)
	}
}

func TestDispatch_OfflineConfig(t *testing.T) {
	f := packettest.New(t)
	ctx := context.Background()
	nonce, _ := trust.NewNonce()
	cfgPkt := &packet.OfflineConfig{
		Type:             protocol.StationConfigOffline,
		Version:          protocol.Version,
		ConfigID:         "CFG-1",
		StationID:        "PHARM-02",
		StationType:      protocol.StationPharmacy,
		DisplayName:      "Field pharmacy",
		StationSecret:    trust.EncodeKey(f.Secret),
		HubSigningKey:    trust.EncodeKey(f.HubPub),
		HubEncryptionKey: trust.EncodeKey(f.HubEncPub[:]),
		PrescriberCerts:  []model.Certificate{f.Cert},
		ExpiresAt:        packettest.Now.Add(24 * time.Hour).Unix(),
		TS:               packettest.Now.Unix(),
		Nonce:            nonce,
	}
	if err := packet.SignPacket(f.HubPriv, cfgPkt); err != nil {
		t.Fatal(err)
	}
	raw := packettest.Raw(t, cfgPkt)

	fresh := packet.NewRegistry(packet.Config{Now: func() time.Time { return packettest.Now }})
	if env := fresh.Dispatch(ctx, raw); !env.Valid {
		t.Fatalf("expected bundle to verify with its own key, got %v", env.Err)
	}

	otherPub, _, _ := trust.GenerateSigningKey()
	pinned := packet.NewRegistry(packet.Config{HubSigningKey: otherPub, Now: func() time.Time { return packettest.Now }})
	if env := pinned.Dispatch(ctx, raw); protocol.CodeOf(env.Err) != protocol.CodeUnknownSigner {
		t.Errorf("expected UNKNOWN_SIGNER for a foreign hub, got %v", env.Err)
	}

	expired := packet.NewRegistry(packet.Config{Now: func() time.Time { return packettest.Now.Add(25 * time.Hour) }})
	if env := expired.Dispatch(ctx, raw); protocol.CodeOf(env.Err) != protocol.CodeExpired {
		t.Errorf("expected EXPIRED, got %v", env.Err)
	}
}

func TestDispatchAs(t *testing.T) {
	f := packettest.New(t)
	env := f.Registry().DispatchAs(context.Background(), packettest.Raw(t, f.Manifest(t)), protocol.RxOrder)
	if env.Valid || protocol.CodeOf(env.Err) != protocol.CodeInvalidField {
		t.Errorf("expected type mismatch, got %+v", env)
	}
}

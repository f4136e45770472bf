package hub_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/hub"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/pairing"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type hubRig struct {
	kv       *store.MemStore
	keys     *hub.Keys
	issuer   *hub.Issuer
	stations *hub.Stations
	certs    *certs.Cache
	svc      *hub.PairingService
	clock    time.Time
}

func newHub(t *testing.T) *hubRig {
	t.Helper()
	keys, err := hub.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	kv := store.NewMemStore()
	h := &hubRig{kv: kv, keys: keys, clock: now}
	h.issuer = hub.NewIssuer(keys)
	h.issuer.SetClock(func() time.Time { return h.clock })
	h.stations = hub.NewStations(kv)
	h.certs = certs.NewCache(kv)
	h.svc = hub.NewPairingService(kv, h.issuer, h.stations, h.certs, 0, zerolog.Nop())
	h.svc.SetClock(func() time.Time { return h.clock })
	return h
}

func (h *hubRig) prescriber(t *testing.T, perms ...string) model.Certificate {
	t.Helper()
	pub, _, err := trust.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	cert, err := h.issuer.Certificate("DR-001", pub, 90*24*time.Hour, perms)
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if err := h.certs.Put(context.Background(), cert); err != nil {
		t.Fatal(err)
	}
	return cert
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	if _, err := hub.LoadKeys(ctx, kv); !errors.Is(err, hub.ErrNoKeys) {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
	keys, err := hub.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.SaveKeys(ctx, kv, keys, false); err != nil {
		t.Fatalf("SaveKeys: %v", err)
	}
	other, _ := hub.GenerateKeys()
	if err := hub.SaveKeys(ctx, kv, other, false); err == nil {
		t.Fatal("existing keys were overwritten without force")
	}
	loaded, err := hub.LoadKeys(ctx, kv)
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}
	if loaded.SigningKey() != keys.SigningKey() || loaded.EncryptionKey() != keys.EncryptionKey() {
		t.Error("loaded keys differ")
	}
	if !loaded.SigningPriv.Equal(keys.SigningPriv) || *loaded.EncPriv != *keys.EncPriv {
		t.Error("private keys differ")
	}
}

func TestIssuer_Manifest(t *testing.T) {
	h := newHub(t)
	m, err := h.issuer.Manifest("SUPPLY-01", []packet.LineItem{{Code: "GAUZE", Qty: 10, Unit: "pack"}})
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if !regexp.MustCompile(`^M-20260301-[0-9A-F]{6}$`).MatchString(m.ManifestID) {
		t.Errorf("manifest id = %q", m.ManifestID)
	}
	if !regexp.MustCompile(`^[1-9][0-9]{3}$`).MatchString(m.ShortCode) {
		t.Errorf("short code = %q", m.ShortCode)
	}

	reg := packet.NewRegistry(packet.Config{
		StationID:     "SUPPLY-01",
		HubSigningKey: h.keys.SigningPub,
		Now:           func() time.Time { return now },
	})
	if env := reg.Dispatch(context.Background(), mustMarshal(t, m)); !env.Valid {
		t.Fatalf("station rejected the manifest: %v", env.Err)
	}

	if _, err := h.issuer.Manifest("SUPPLY-01", nil); protocol.CodeOf(err) != protocol.CodeMissingField {
		t.Errorf("empty manifest: %v", err)
	}
}

func TestIssuer_CertUpdate(t *testing.T) {
	h := newHub(t)
	cert := h.prescriber(t, model.PermRxWrite, model.PermRxControlled)
	if res := certs.VerifyIssuer(h.keys.SigningPub, cert); !res.Valid {
		t.Fatalf("issued certificate does not verify: %v", res.Err())
	}
	if cert.ValidUntil-cert.ValidFrom != int64((90 * 24 * time.Hour).Seconds()) {
		t.Errorf("validity window = %d", cert.ValidUntil-cert.ValidFrom)
	}

	u, err := h.issuer.CertUpdate([]model.Certificate{cert}, []string{"DR-OLD"})
	if err != nil {
		t.Fatalf("CertUpdate: %v", err)
	}
	reg := packet.NewRegistry(packet.Config{HubSigningKey: h.keys.SigningPub, Now: func() time.Time { return now }})
	env := reg.Dispatch(context.Background(), mustMarshal(t, u))
	if !env.Valid {
		t.Fatalf("cert update rejected: %v", env.Err)
	}

	empty, err := h.issuer.CertUpdate(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Certs == nil || empty.Revoked == nil {
		t.Error("empty update must carry empty lists")
	}
}

func TestPairingService_Redeem(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	cert := h.prescriber(t)

	pc, err := h.svc.CreateCode(ctx, "PHARM-01", protocol.StationPharmacy, "Main pharmacy")
	if err != nil {
		t.Fatalf("CreateCode: %v", err)
	}
	if !protocol.ValidPairingCode(pc.Code) {
		t.Fatalf("malformed code %q", pc.Code)
	}
	if !pc.ExpiresAt.Equal(now.Add(hub.DefaultCodeTTL)) {
		t.Errorf("expires at %s", pc.ExpiresAt)
	}

	// Codes are case-insensitive when typed.
	bundle, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: strings.ToLower(pc.Code)})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if bundle.StationID != "PHARM-01" || bundle.HubSigningKey != h.keys.SigningKey() {
		t.Errorf("bundle = %+v", bundle)
	}
	if len(bundle.PrescriberCerts) != 1 || bundle.PrescriberCerts[0].SubjectID != cert.SubjectID {
		t.Errorf("pharmacy bundle certs = %+v", bundle.PrescriberCerts)
	}
	secret, err := h.stations.Secret(ctx, "PHARM-01")
	if err != nil {
		t.Fatalf("station not registered: %v", err)
	}
	if trust.EncodeKey(secret) != bundle.StationSecret {
		t.Error("registered secret differs from the one handed out")
	}

	if _, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: pc.Code}); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("second redeem: %v", err)
	}
}

func TestPairingService_Refusals(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()

	if _, err := h.svc.CreateCode(ctx, "", protocol.StationHub, ""); protocol.CodeOf(err) != protocol.CodeInvalidField {
		t.Errorf("pairing a HUB: %v", err)
	}

	supply, err := h.svc.CreateCode(ctx, "", protocol.StationSupply, "")
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: supply.Code})
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.PrescriberCerts) != 0 {
		t.Error("non-pharmacy station received prescriber certificates")
	}
	if bundle.StationID == "" {
		t.Error("no station id generated")
	}

	wrong, _ := h.svc.CreateCode(ctx, "PHARM-02", protocol.StationPharmacy, "")
	if _, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: wrong.Code, StationID: "PHARM-99"}); protocol.CodeOf(err) != protocol.CodeNotAuthorized {
		t.Errorf("station mismatch: %v", err)
	}
	// The failed attempt consumed the code.
	if _, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: wrong.Code, StationID: "PHARM-02"}); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("code survived a failed redeem: %v", err)
	}

	stale, _ := h.svc.CreateCode(ctx, "DOC-01", protocol.StationDoctor, "")
	h.clock = now.Add(hub.DefaultCodeTTL + time.Second)
	if _, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: stale.Code}); protocol.CodeOf(err) != protocol.CodeExpired {
		t.Errorf("expired code: %v", err)
	}

	if _, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: "??"}); protocol.CodeOf(err) != protocol.CodeInvalidField {
		t.Errorf("malformed code: %v", err)
	}
}

func TestPairingService_PurgeExpired(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	if _, err := h.svc.CreateCode(ctx, "A", protocol.StationSupply, ""); err != nil {
		t.Fatal(err)
	}
	h.clock = now.Add(5 * time.Minute)
	fresh, err := h.svc.CreateCode(ctx, "B", protocol.StationSupply, "")
	if err != nil {
		t.Fatal(err)
	}
	h.clock = now.Add(11 * time.Minute)
	n, err := h.svc.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired = %d, %v", n, err)
	}
	if _, err := h.svc.Redeem(ctx, pairing.Request{PairingCode: fresh.Code}); err != nil {
		t.Errorf("unexpired code was purged: %v", err)
	}
}

func TestRegisterOffline(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()
	h.prescriber(t)

	cfg, err := h.svc.RegisterOffline(ctx, "PHARM-07", protocol.StationPharmacy, "Outpost", 48*time.Hour)
	if err != nil {
		t.Fatalf("RegisterOffline: %v", err)
	}
	if cfg.ExpiresAt != now.Add(48*time.Hour).Unix() || len(cfg.PrescriberCerts) != 1 {
		t.Errorf("bundle = %+v", cfg)
	}
	reg := packet.NewRegistry(packet.Config{Now: func() time.Time { return now }})
	if env := reg.Dispatch(ctx, mustMarshal(t, cfg)); !env.Valid {
		t.Fatalf("offline bundle rejected: %v", env.Err)
	}
	st, err := h.stations.Get(ctx, "PHARM-07")
	if err != nil || st.PairedVia != model.PairedOffline {
		t.Errorf("station = %+v, %v", st, err)
	}
}


func mustMarshal(t *testing.T, p packet.Packet) []byte {
	t.Helper()
	data, err := packet.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemStore()
	if _, err := hub.New(ctx, kv, nil, hub.Options{Logger: zerolog.Nop()}); !errors.Is(err, hub.ErrNoKeys) {
		t.Fatalf("hub without keys: %v", err)
	}
	keys, err := hub.GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.SaveKeys(ctx, kv, keys, false); err != nil {
		t.Fatal(err)
	}
	h, err := hub.New(ctx, kv, nil, hub.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h.Keys.SigningKey() != keys.SigningKey() || h.Pairing == nil || h.Ingest == nil {
		t.Errorf("hub = %+v", h)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close on a store-less hub: %v", err)
	}
}

// Package packettest provides a Hub, a prescriber and a paired station
// for tests that need real keys and signed packets.
package packettest

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

// Now is the fixed clock of every fixture.
var Now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Fixture is a small trust domain.
type Fixture struct {
	HubPub     ed25519.PublicKey
	HubPriv    ed25519.PrivateKey
	HubEncPub  *[32]byte
	HubEncPriv *[32]byte

	PrescriberID   string
	PrescriberPriv ed25519.PrivateKey
	Cert           model.Certificate

	StationID string
	Secret    []byte

	Certs *certs.Cache
}

// New creates a fixture whose prescriber holds perms.
func New(t testing.TB, perms ...string) *Fixture {
	t.Helper()
	hubPub, hubPriv, err := trust.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	encPub, encPriv, err := trust.GenerateEncryptionKey()
	if err != nil {
		t.Fatal(err)
	}
	docPub, docPriv, err := trust.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	secret, err := trust.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}

	if len(perms) == 0 {
		perms = []string{model.PermRxWrite}
	}
	cert := model.Certificate{
		SubjectID:   "DR-001",
		PublicKey:   trust.EncodeKey(docPub),
		ValidFrom:   Now.Add(-30 * 24 * time.Hour).Unix(),
		ValidUntil:  Now.Add(90 * 24 * time.Hour).Unix(),
		Permissions: perms,
	}
	if err := certs.Sign(hubPriv, &cert); err != nil {
		t.Fatal(err)
	}
	cache := certs.NewCache(store.NewMemStore())
	if err := cache.Put(context.Background(), cert); err != nil {
		t.Fatal(err)
	}

	return &Fixture{
		HubPub:         hubPub,
		HubPriv:        hubPriv,
		HubEncPub:      encPub,
		HubEncPriv:     encPriv,
		PrescriberID:   cert.SubjectID,
		PrescriberPriv: docPriv,
		Cert:           cert,
		StationID:      "PHARM-01",
		Secret:         secret,
		Certs:          cache,
	}
}

// Config returns a station-side registry config.
func (f *Fixture) Config() packet.Config {
	return packet.Config{
		StationID:     f.StationID,
		StationSecret: f.Secret,
		HubSigningKey: f.HubPub,
		Certs:         f.Certs,
		Now:           func() time.Time { return Now },
	}
}

// Registry returns a station-side registry.
func (f *Fixture) Registry() *packet.Registry {
	return packet.NewRegistry(f.Config())
}

// Order builds a signed order with one item per code.
func (f *Fixture) Order(t testing.TB, priority protocol.Priority, items ...packet.RxItem) *packet.RxOrder {
	t.Helper()
	if len(items) == 0 {
		items = []packet.RxItem{{Code: "AMOX500", Name: "Amoxicillin", Qty: 21, Unit: "cap", DurationDays: 7}}
	}
	o, err := packet.NewRxOrder(f.PrescriberPriv, f.PrescriberID, "P-1001", priority, items, Now)
	if err != nil {
		t.Fatalf("failed to build order: %v", err)
	}
	return o
}

// Manifest builds a Hub-signed manifest for the fixture station.
func (f *Fixture) Manifest(t testing.TB) *packet.RestockManifest {
	t.Helper()
	nonce, _ := trust.NewNonce()
	m := &packet.RestockManifest{
		Type:       protocol.RestockManifest,
		Version:    protocol.Version,
		ManifestID: packet.NewMessageID("M"),
		ShortCode:  "4821",
		StationID:  f.StationID,
		Items:      []packet.LineItem{{Code: "GAUZE", Qty: 40, Unit: "pack"}},
		TS:         Now.Unix(),
		Nonce:      nonce,
	}
	if err := packet.SignPacket(f.HubPriv, m); err != nil {
		t.Fatal(err)
	}
	return m
}

// Raw marshals p.
func Raw(t testing.TB, p any) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// Mutate decodes raw, applies fn and re-encodes it without re-signing.
func Mutate(t testing.TB, raw []byte, fn func(map[string]any)) []byte {
	t.Helper()
	fields, err := trust.DecodeObject(raw)
	if err != nil {
		t.Fatal(err)
	}
	fn(fields)
	return Raw(t, fields)
}

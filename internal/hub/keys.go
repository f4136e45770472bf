// Package hub is the central counterpart of the stations: it holds the
// trust root, issues signed packets, redeems pairing codes and opens
// sealed reports.
//
// INVARIANTS:
// - The Hub private keys never leave this package's store
// - A pairing code is redeemed at most once and never after its TTL
// - Every station secret the Hub hands out is registered before the
//   bundle is returned
package hub

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

const (
	keysNamespace = "hub"
	keysKey       = "keys"
)

// ErrNoKeys is returned when the Hub has not generated its keys yet.
var ErrNoKeys = errors.New("hub keys not initialized, run 'xirs hub keygen'")

// Keys is the Hub's trust root.
type Keys struct {
	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey
	EncPub      *[32]byte
	EncPriv     *[32]byte
	CreatedAt   time.Time
}

type storedKeys struct {
	SigningPub  string    `json:"signing_public"`
	SigningPriv string    `json:"signing_private"`
	EncPub      string    `json:"encryption_public"`
	EncPriv     string    `json:"encryption_private"`
	CreatedAt   time.Time `json:"created_at"`
}

// GenerateKeys creates a fresh trust root.
func GenerateKeys() (*Keys, error) {
	sPub, sPriv, err := trust.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	ePub, ePriv, err := trust.GenerateEncryptionKey()
	if err != nil {
		return nil, err
	}
	return &Keys{SigningPub: sPub, SigningPriv: sPriv, EncPub: ePub, EncPriv: ePriv, CreatedAt: time.Now().UTC()}, nil
}

// SigningKey is the base64 public signing key handed to stations.
func (k *Keys) SigningKey() string { return trust.EncodeKey(k.SigningPub) }

// EncryptionKey is the base64 public encryption key handed to stations.
func (k *Keys) EncryptionKey() string { return trust.EncodeKey(k.EncPub[:]) }

// SaveKeys persists k. Existing keys are only replaced when force is set.
func SaveKeys(ctx context.Context, kv store.KV, k *Keys, force bool) error {
	if !force {
		if _, err := kv.Get(ctx, keysNamespace, keysKey); err == nil {
			return fmt.Errorf("hub keys already exist; rotating them unpairs every station")
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	data, err := json.Marshal(storedKeys{
		SigningPub:  trust.EncodeKey(k.SigningPub),
		SigningPriv: trust.EncodeKey(k.SigningPriv),
		EncPub:      trust.EncodeKey(k.EncPub[:]),
		EncPriv:     trust.EncodeKey(k.EncPriv[:]),
		CreatedAt:   k.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal hub keys: %w", err)
	}
	if err := kv.Put(ctx, store.Record{Namespace: keysNamespace, Key: keysKey, Value: data}); err != nil {
		return fmt.Errorf("failed to save hub keys: %w", err)
	}
	return nil
}

// LoadKeys reads the persisted trust root.
func LoadKeys(ctx context.Context, kv store.KV) (*Keys, error) {
	rec, err := kv.Get(ctx, keysNamespace, keysKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoKeys
	}
	if err != nil {
		return nil, err
	}
	var sk storedKeys
	if err := json.Unmarshal(rec.Value, &sk); err != nil {
		return nil, fmt.Errorf("corrupt hub keys: %w", err)
	}
	k := &Keys{CreatedAt: sk.CreatedAt}
	if k.SigningPub, err = trust.DecodeSigningKey(sk.SigningPub); err != nil {
		return nil, err
	}
	if k.SigningPriv, err = trust.DecodePrivateSigningKey(sk.SigningPriv); err != nil {
		return nil, err
	}
	if k.EncPub, err = trust.DecodeEncryptionKey(sk.EncPub); err != nil {
		return nil, err
	}
	if k.EncPriv, err = trust.DecodeEncryptionKey(sk.EncPriv); err != nil {
		return nil, err
	}
	return k, nil
}

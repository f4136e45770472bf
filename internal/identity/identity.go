// Package identity persists the station's own trust material.
//
// INVARIANTS:
// - The identity is one record, written in a single Put
// - An identity that fails validation is never persisted
// - Clearing is explicit (unpair); nothing else deletes it
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

const (
	namespace = "identity"
	selfKey   = "self"
)

// ErrNotPaired is returned when no identity has been stored.
var ErrNotPaired = errors.New("station is not paired")

// Store loads and saves the station identity.
type Store struct {
	kv store.KV
}

// NewStore creates an identity store over kv.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// Load returns the stored identity or ErrNotPaired.
func (s *Store) Load(ctx context.Context) (model.StationIdentity, error) {
	rec, err := s.kv.Get(ctx, namespace, selfKey)
	if errors.Is(err, store.ErrNotFound) {
		return model.StationIdentity{}, ErrNotPaired
	}
	if err != nil {
		return model.StationIdentity{}, fmt.Errorf("failed to load identity: %w", err)
	}
	var id model.StationIdentity
	if err := json.Unmarshal(rec.Value, &id); err != nil {
		return model.StationIdentity{}, fmt.Errorf("corrupt identity record: %w", err)
	}
	return id, nil
}

// Save validates and stores id, replacing any previous identity.
func (s *Store) Save(ctx context.Context, id model.StationIdentity) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("refusing to store identity: %w", err)
	}
	value, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	return s.kv.Put(ctx, store.Record{
		Namespace: namespace,
		Key:       selfKey,
		Index:     string(id.StationType),
		Value:     value,
	})
}

// Clear removes the stored identity.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, namespace, selfKey)
}

// IsPaired reports whether an identity is stored.
func (s *Store) IsPaired(ctx context.Context) bool {
	_, err := s.Load(ctx)
	return err == nil
}

// Keys is the decoded trust material of an identity.
type Keys struct {
	Secret        []byte
	HubSigningKey ed25519.PublicKey
	HubEncryption *[32]byte
}

// Decode returns the decoded key material of id.
func Decode(id model.StationIdentity) (Keys, error) {
	secret, err := trust.DecodeSecret(id.StationSecret)
	if err != nil {
		return Keys{}, err
	}
	signing, err := trust.DecodeSigningKey(id.HubSigningKey)
	if err != nil {
		return Keys{}, err
	}
	enc, err := trust.DecodeEncryptionKey(id.HubEncryptionKey)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Secret: secret, HubSigningKey: signing, HubEncryption: enc}, nil
}

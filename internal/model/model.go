// Package model defines the records shared between stations and the Hub:
// certificates, station identity, and audit events.
package model

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/xirs/xirs/internal/protocol"
)

// Permission strings carried by prescriber certificates.
const (
	PermRxWrite      = "rx:write"
	PermRxControlled = "rx:controlled"
)

// Certificate binds a subject to a public key for a validity window.
// ValidFrom and ValidUntil are unix seconds, both inclusive.
type Certificate struct {
	SubjectID       string   `json:"subject_id"`
	PublicKey       string   `json:"public_key"` // base64 Ed25519
	ValidFrom       int64    `json:"valid_from"`
	ValidUntil      int64    `json:"valid_until"`
	Permissions     []string `json:"permissions"`
	Revoked         bool     `json:"revoked,omitempty"`
	IssuerSignature string   `json:"issuer_signature,omitempty"`
}

// HasPermission reports whether the certificate grants perm.
func (c Certificate) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Key decodes the subject's public key.
func (c Certificate) Key() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("certificate %s has an invalid public key", c.SubjectID)
	}
	return ed25519.PublicKey(raw), nil
}

// PairingMethod records how a station obtained its identity.
type PairingMethod string

const (
	PairedOnline  PairingMethod = "online"
	PairedOffline PairingMethod = "offline"
)

// StationIdentity is the long-term trust material of a paired station.
// Keys and the secret are base64.
type StationIdentity struct {
	StationID        string               `json:"station_id"`
	StationType      protocol.StationType `json:"station_type"`
	DisplayName      string               `json:"display_name,omitempty"`
	StationSecret    string               `json:"station_secret"`
	HubSigningKey    string               `json:"hub_signing_key"`
	HubEncryptionKey string               `json:"hub_encryption_key"`
	HubURL           string               `json:"hub_url,omitempty"`
	PairedAt         time.Time            `json:"paired_at"`
	PairedVia        PairingMethod        `json:"paired_via"`
}

// Validate checks that every piece of trust material is present and decodes.
func (s StationIdentity) Validate() error {
	if s.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	if !s.StationType.Valid() {
		return fmt.Errorf("unknown station type %q", s.StationType)
	}
	secret, err := base64.StdEncoding.DecodeString(s.StationSecret)
	if err != nil || len(secret) < 16 {
		return fmt.Errorf("station_secret is missing or invalid")
	}
	if raw, err := base64.StdEncoding.DecodeString(s.HubSigningKey); err != nil || len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("hub_signing_key is missing or invalid")
	}
	if raw, err := base64.StdEncoding.DecodeString(s.HubEncryptionKey); err != nil || len(raw) != 32 {
		return fmt.Errorf("hub_encryption_key is missing or invalid")
	}
	return nil
}

// AuditEvent is one append-only security or workflow event.
type AuditEvent struct {
	ID         string              `json:"id"`
	EventType  string              `json:"event_type"`
	PacketType protocol.PacketType `json:"packet_type,omitempty"`
	MessageID  string              `json:"message_id,omitempty"`
	Code       protocol.Code       `json:"code,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Audit event types
const (
	EventIngestAccepted  = "INGEST_ACCEPTED"
	EventIngestDuplicate = "INGEST_DUPLICATE"
	EventIngestRejected  = "INGEST_REJECTED"
	EventReplaySuspected = "REPLAY_SUSPECTED"
	EventQueueClaimed    = "QUEUE_CLAIMED"
	EventQueueReleased   = "QUEUE_RELEASED"
	EventQueueCompleted  = "QUEUE_COMPLETED"
	EventQueueRejected   = "QUEUE_REJECTED"
	EventStationPaired   = "STATION_PAIRED"
	EventStationUnpaired = "STATION_UNPAIRED"
	EventCarrierDelivery = "CARRIER_DELIVERED"
)

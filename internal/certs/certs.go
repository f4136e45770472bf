// Package certs holds the prescriber certificate cache and the rules for
// trusting a certificate at the moment of use.
//
// INVARIANTS:
// - A cached certificate is re-validated on every use, never trusted
//   because it was accepted before
// - The issuer signature covers every field except issuer_signature and
//   the local revoked flag
// - Revocation is sticky: a later Put cannot un-revoke a subject
package certs

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

const namespace = "certs"

// Index values for cached certificates.
const (
	indexActive  = "active"
	indexRevoked = "revoked"
)

// TimePolicy selects which clock a certificate window is checked against.
type TimePolicy string

const (
	// PolicyVerifier checks the window against the verifier's wall clock only.
	PolicyVerifier TimePolicy = "verifier"
	// PolicyVerifierAndClaimed also requires the message's claimed
	// timestamp to fall inside the window.
	PolicyVerifierAndClaimed TimePolicy = "verifier_and_claimed"
)

// Valid reports whether p is a known policy.
func (p TimePolicy) Valid() bool {
	return p == PolicyVerifier || p == PolicyVerifierAndClaimed
}

var excluded = []string{"issuer_signature", "revoked"}

// Sign sets the issuer signature of cert.
func Sign(priv ed25519.PrivateKey, cert *model.Certificate) error {
	sig, err := trust.SignExcluding(priv, cert, excluded...)
	if err != nil {
		return fmt.Errorf("failed to sign certificate %s: %w", cert.SubjectID, err)
	}
	cert.IssuerSignature = sig
	return nil
}

// VerifyIssuer checks cert's issuer signature against the Hub key.
func VerifyIssuer(hubKey ed25519.PublicKey, cert model.Certificate) trust.Result {
	r := trust.VerifyExcluding(hubKey, cert, cert.IssuerSignature, excluded...)
	if !r.Valid && r.Code == protocol.CodeSignatureInvalid {
		r.Code = protocol.CodeCertIssuerInvalid
		r.Field = "issuer_signature"
	}
	return r
}

// Validate checks that cert may be used now: issued by the Hub, not
// revoked, and inside its validity window. claimedTS is consulted only
// under PolicyVerifierAndClaimed.
func Validate(cert model.Certificate, hubKey ed25519.PublicKey, now time.Time, policy TimePolicy, claimedTS int64) error {
	// A revocation may arrive before the certificate; its tombstone
	// carries no issuer signature.
	if cert.Revoked {
		return protocol.TrustErr(protocol.CodeCertRevoked, "prescriber_id",
			fmt.Sprintf("certificate for %s has been revoked", cert.SubjectID))
	}
	if r := VerifyIssuer(hubKey, cert); !r.Valid {
		return r.Err()
	}
	if err := checkWindow(cert, now.Unix(), "verifier clock"); err != nil {
		return err
	}
	if policy == PolicyVerifierAndClaimed {
		if err := checkWindow(cert, claimedTS, "message timestamp"); err != nil {
			return err
		}
	}
	return nil
}

func checkWindow(cert model.Certificate, at int64, clock string) error {
	if at < cert.ValidFrom {
		return protocol.TrustErr(protocol.CodeCertNotYetValid, "valid_from",
			fmt.Sprintf("certificate for %s is valid from %s, %s reads %s",
				cert.SubjectID, unix(cert.ValidFrom), clock, unix(at)))
	}
	if at > cert.ValidUntil {
		return protocol.TrustErr(protocol.CodeCertExpired, "valid_until",
			fmt.Sprintf("certificate for %s expired %s, %s reads %s",
				cert.SubjectID, unix(cert.ValidUntil), clock, unix(at)))
	}
	return nil
}

func unix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// Cache is the local certificate store.
type Cache struct {
	kv store.KV
}

// NewCache creates a certificate cache over kv.
func NewCache(kv store.KV) *Cache {
	return &Cache{kv: kv}
}

// Put stores cert, keeping any prior revocation of the subject.
func (c *Cache) Put(ctx context.Context, cert model.Certificate) error {
	if cert.SubjectID == "" {
		return fmt.Errorf("certificate has no subject_id")
	}
	prior, err := c.Lookup(ctx, cert.SubjectID)
	if err == nil && prior.Revoked {
		cert.Revoked = true
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return c.put(ctx, cert)
}

// Lookup returns the cached certificate for subjectID or store.ErrNotFound.
func (c *Cache) Lookup(ctx context.Context, subjectID string) (model.Certificate, error) {
	rec, err := c.kv.Get(ctx, namespace, subjectID)
	if err != nil {
		return model.Certificate{}, err
	}
	var cert model.Certificate
	if err := json.Unmarshal(rec.Value, &cert); err != nil {
		return model.Certificate{}, fmt.Errorf("corrupt certificate %s: %w", subjectID, err)
	}
	return cert, nil
}

// Revoke marks subjectID revoked. Unknown subjects get a tombstone so a
// certificate arriving later is stored revoked.
func (c *Cache) Revoke(ctx context.Context, subjectID string) error {
	cert, err := c.Lookup(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		cert = model.Certificate{SubjectID: subjectID}
	} else if err != nil {
		return err
	}
	cert.Revoked = true
	return c.put(ctx, cert)
}

// Apply stores every certificate of an update and then applies revocations.
func (c *Cache) Apply(ctx context.Context, certs []model.Certificate, revoked []string) error {
	for _, cert := range certs {
		if err := c.Put(ctx, cert); err != nil {
			return err
		}
	}
	for _, id := range revoked {
		if err := c.Revoke(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// List returns every cached certificate ordered by subject.
func (c *Cache) List(ctx context.Context) ([]model.Certificate, error) {
	recs, err := c.kv.ListByIndex(ctx, namespace, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	out := make([]model.Certificate, 0, len(recs))
	for _, rec := range recs {
		var cert model.Certificate
		if err := json.Unmarshal(rec.Value, &cert); err != nil {
			return nil, fmt.Errorf("corrupt certificate %s: %w", rec.Key, err)
		}
		out = append(out, cert)
	}
	return out, nil
}

// Restore replaces the cache contents with certs.
func (c *Cache) Restore(ctx context.Context, certs []model.Certificate) error {
	if err := c.Clear(ctx); err != nil {
		return err
	}
	for _, cert := range certs {
		if err := c.put(ctx, cert); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops every cached certificate (on unpair).
func (c *Cache) Clear(ctx context.Context) error {
	recs, err := c.kv.ListByIndex(ctx, namespace, "")
	if err != nil {
		return fmt.Errorf("failed to list certificates: %w", err)
	}
	for _, rec := range recs {
		if err := c.kv.Delete(ctx, namespace, rec.Key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) put(ctx context.Context, cert model.Certificate) error {
	value, err := json.Marshal(cert)
	if err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	index := indexActive
	if cert.Revoked {
		index = indexRevoked
	}
	return c.kv.Put(ctx, store.Record{Namespace: namespace, Key: cert.SubjectID, Index: index, Value: value})
}

package hub

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/trust"
)

// Issuer signs everything the Hub hands out.
type Issuer struct {
	keys *Keys
	now  func() time.Time
}

// NewIssuer creates an issuer over the Hub keys.
func NewIssuer(keys *Keys) *Issuer {
	return &Issuer{keys: keys, now: time.Now}
}

// SetClock overrides the time source.
func (is *Issuer) SetClock(now func() time.Time) {
	is.now = now
}

// Keys returns the trust root the issuer signs with.
func (is *Issuer) Keys() *Keys {
	return is.keys
}

func (is *Issuer) stamp() (int64, string, error) {
	nonce, err := trust.NewNonce()
	if err != nil {
		return 0, "", err
	}
	return is.now().Unix(), nonce, nil
}

// Manifest issues a signed restock manifest for stationID.
func (is *Issuer) Manifest(stationID string, items []packet.LineItem) (*packet.RestockManifest, error) {
	if stationID == "" {
		return nil, protocol.FormatErr(protocol.CodeMissingField, "station_id", "manifest needs a station")
	}
	if len(items) == 0 {
		return nil, protocol.FormatErr(protocol.CodeMissingField, "items", "manifest has no items")
	}
	shortCode, err := randomDigits(4)
	if err != nil {
		return nil, err
	}
	ts, nonce, err := is.stamp()
	if err != nil {
		return nil, err
	}
	m := &packet.RestockManifest{
		Type:       protocol.RestockManifest,
		Version:    protocol.Version,
		ManifestID: fmt.Sprintf("M-%s-%s", is.now().UTC().Format("20060102"), strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])),
		ShortCode:  shortCode,
		StationID:  stationID,
		Items:      items,
		TS:         ts,
		Nonce:      nonce,
	}
	if err := packet.SignPacket(is.keys.SigningPriv, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Certificate issues a prescriber certificate valid for validity from now.
func (is *Issuer) Certificate(subjectID string, pub []byte, validity time.Duration, perms []string) (model.Certificate, error) {
	if subjectID == "" {
		return model.Certificate{}, protocol.FormatErr(protocol.CodeMissingField, "subject_id", "certificate needs a subject")
	}
	if validity <= 0 {
		return model.Certificate{}, protocol.FormatErr(protocol.CodeInvalidField, "validity", "validity must be positive")
	}
	if len(perms) == 0 {
		perms = []string{model.PermRxWrite}
	}
	now := is.now()
	cert := model.Certificate{
		SubjectID:   subjectID,
		PublicKey:   trust.EncodeKey(pub),
		ValidFrom:   now.Unix(),
		ValidUntil:  now.Add(validity).Unix(),
		Permissions: perms,
	}
	if _, err := cert.Key(); err != nil {
		return model.Certificate{}, protocol.TrustErr(protocol.CodeKeyInvalid, "public_key", err.Error())
	}
	if err := certs.Sign(is.keys.SigningPriv, &cert); err != nil {
		return model.Certificate{}, err
	}
	return cert, nil
}

// CertUpdate bundles certificates and revocations for distribution.
func (is *Issuer) CertUpdate(issued []model.Certificate, revoked []string) (*packet.CertUpdate, error) {
	ts, nonce, err := is.stamp()
	if err != nil {
		return nil, err
	}
	if issued == nil {
		issued = []model.Certificate{}
	}
	if revoked == nil {
		revoked = []string{}
	}
	u := &packet.CertUpdate{
		Type:     protocol.CertUpdate,
		Version:  protocol.Version,
		UpdateID: packet.NewMessageID("CU"),
		Certs:    issued,
		Revoked:  revoked,
		TS:       ts,
		Nonce:    nonce,
	}
	if err := packet.SignPacket(is.keys.SigningPriv, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Invite issues a signed pairing invite for an already created code.
func (is *Issuer) Invite(hubURL, code, stationID string, stationType protocol.StationType, expiresAt time.Time) (*packet.PairInvite, error) {
	ts, nonce, err := is.stamp()
	if err != nil {
		return nil, err
	}
	inv := &packet.PairInvite{
		Type:        protocol.StationPairInvite,
		Ver:         1,
		HubURL:      hubURL,
		PairingCode: code,
		StationID:   stationID,
		StationType: stationType,
		ExpiresAt:   expiresAt.Unix(),
		TS:          ts,
		Nonce:       nonce,
	}
	if err := packet.SignPacket(is.keys.SigningPriv, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// OfflineConfig issues a signed identity bundle for a device that cannot
// reach the Hub.
func (is *Issuer) OfflineConfig(st Station, secret []byte, prescriberCerts []model.Certificate, ttl time.Duration) (*packet.OfflineConfig, error) {
	ts, nonce, err := is.stamp()
	if err != nil {
		return nil, err
	}
	c := &packet.OfflineConfig{
		Type:             protocol.StationConfigOffline,
		Version:          protocol.Version,
		ConfigID:         packet.NewMessageID("CFG"),
		StationID:        st.StationID,
		StationType:      st.StationType,
		DisplayName:      st.DisplayName,
		StationSecret:    trust.EncodeKey(secret),
		HubSigningKey:    is.keys.SigningKey(),
		HubEncryptionKey: is.keys.EncryptionKey(),
		PrescriberCerts:  prescriberCerts,
		ExpiresAt:        is.now().Add(ttl).Unix(),
		TS:               ts,
		Nonce:            nonce,
	}
	if err := packet.SignPacket(is.keys.SigningPriv, c); err != nil {
		return nil, err
	}
	return c, nil
}

// OpenReport decrypts an ENCRYPTED_REPORT envelope.
func (is *Issuer) OpenReport(envelope []byte) ([]byte, error) {
	return trust.OpenReport(is.keys.EncPub, is.keys.EncPriv, envelope)
}

func randomDigits(n int) (string, error) {
	// First digit is never zero so the code reads as a number.
	lo := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n-1)), nil)
	span := new(big.Int).Sub(new(big.Int).Mul(lo, big.NewInt(10)), lo)
	v, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return v.Add(v, lo).String(), nil
}

func randomCode() (string, error) {
	buf := make([]byte, protocol.PairingCodeLength)
	size := big.NewInt(int64(len(protocol.PairingAlphabet)))
	for i := range buf {
		v, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		buf[i] = protocol.PairingAlphabet[v.Int64()]
	}
	return string(buf), nil
}

package packet

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

// minNonceHex is the shortest accepted nonce (8 random bytes).
const minNonceHex = 2 * trust.NonceSize

// CertLookup resolves a prescriber certificate.
type CertLookup interface {
	Lookup(ctx context.Context, subjectID string) (model.Certificate, error)
}

// SecretLookup resolves the shared secret of another station (Hub side).
type SecretLookup func(ctx context.Context, stationID string) ([]byte, error)

// Opener decrypts an ENCRYPTED_REPORT envelope (Hub side).
type Opener func(envelope []byte) ([]byte, error)

// Config is the trust material and policy a registry validates against.
// Fields a station does not have stay zero; packets that need them fail
// with a classified error instead.
type Config struct {
	StationID     string
	StationSecret []byte
	HubSigningKey ed25519.PublicKey
	Certs         CertLookup
	Secrets       SecretLookup
	Open          Opener
	Schedules     ControlledSchedules
	CertPolicy    certs.TimePolicy
	Now           func() time.Time
}

// Envelope is the uniform result of Dispatch.
type Envelope struct {
	Valid      bool
	PacketType protocol.PacketType
	Data       Packet
	Err        error
	Sealed     bool // the payload arrived as an ENCRYPTED_REPORT
}

// Registry validates assembled payloads.
type Registry struct {
	cfg Config
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Schedules == nil {
		cfg.Schedules = DefaultSchedules()
	}
	if cfg.CertPolicy == "" {
		cfg.CertPolicy = certs.PolicyVerifier
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{cfg: cfg}
}

// Schedules returns the controlled-substance policy in force.
func (r *Registry) Schedules() ControlledSchedules {
	return r.cfg.Schedules
}

// Dispatch routes raw to the validator of its type discriminator.
func (r *Registry) Dispatch(ctx context.Context, raw []byte) Envelope {
	sealed := false
	if trust.IsSealedEnvelope(raw) {
		if r.cfg.Open == nil {
			return Envelope{PacketType: protocol.ReportPacket, Sealed: true, Err: protocol.TrustErr(
				protocol.CodeDecryptFailed, "payload", "this station holds no key for sealed reports")}
		}
		opened, err := r.cfg.Open(raw)
		if err != nil {
			return Envelope{PacketType: protocol.ReportPacket, Sealed: true, Err: err}
		}
		raw, sealed = opened, true
	}

	fields, err := trust.DecodeObject(raw)
	if err != nil {
		return Envelope{Sealed: sealed, Err: protocol.FormatErr(protocol.CodeMalformedPayload, "", "payload is not a JSON object")}
	}
	typ, _ := fields["type"].(string)
	if typ == "" {
		return Envelope{Sealed: sealed, Err: protocol.FormatErr(protocol.CodeMissingField, "type", "type discriminator missing")}
	}
	pt := protocol.PacketType(typ)
	if sealed && pt != protocol.ReportPacket {
		return Envelope{PacketType: pt, Sealed: true, Err: protocol.FormatErr(
			protocol.CodeInvalidField, "type", "sealed envelope must carry a REPORT_PACKET")}
	}

	var p Packet
	switch pt {
	case protocol.RestockManifest:
		p, err = r.validateManifest(raw, fields)
	case protocol.RxOrder:
		p, err = r.validateRxOrder(ctx, raw, fields)
	case protocol.ConsumptionTicket:
		p, err = r.validateTicket(raw, fields)
	case protocol.CertUpdate:
		p, err = r.validateCertUpdate(raw, fields)
	case protocol.DispenseRecord:
		p, err = r.validateDispenseRecord(ctx, raw, fields)
	case protocol.ReportPacket:
		p, err = r.validateReport(ctx, raw, fields)
	case protocol.StationPairInvite:
		p, err = r.validateInvite(raw, fields)
	case protocol.StationConfigOffline:
		p, err = r.validateOfflineConfig(raw, fields)
	default:
		err = protocol.FormatErr(protocol.CodeUnknownPacketType, "type", typ)
	}
	if err != nil {
		return Envelope{PacketType: pt, Sealed: sealed, Err: err}
	}
	return Envelope{Valid: true, PacketType: pt, Data: p, Sealed: sealed}
}

// DispatchAs validates raw and requires it to be of type want.
func (r *Registry) DispatchAs(ctx context.Context, raw []byte, want protocol.PacketType) Envelope {
	env := r.Dispatch(ctx, raw)
	if env.PacketType != "" && env.PacketType != want {
		return Envelope{PacketType: env.PacketType, Sealed: env.Sealed, Err: protocol.FormatErr(
			protocol.CodeInvalidField, "type", fmt.Sprintf("expected %s, got %s", want, env.PacketType))}
	}
	return env
}

func (r *Registry) validateManifest(raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "version", "manifest_id", "short_code", "station_id", "items", "ts", "nonce", "signature"); err != nil {
		return nil, err
	}
	var m RestockManifest
	if err := decode(raw, &m); err != nil {
		return nil, err
	}
	if err := checkStamp(m.TS, m.Nonce); err != nil {
		return nil, err
	}
	if len(m.ShortCode) != 4 || !allDigits(m.ShortCode) {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "short_code", "short code must be 4 digits")
	}
	if err := checkLineItems(m.Items); err != nil {
		return nil, err
	}
	if err := r.verifyHubSignature(fields); err != nil {
		return nil, err
	}
	if r.cfg.StationID != "" && m.StationID != r.cfg.StationID {
		return nil, protocol.AuthzErr(protocol.CodeNotAuthorized, "station_id",
			fmt.Sprintf("manifest is addressed to %s, this station is %s", m.StationID, r.cfg.StationID))
	}
	return &m, nil
}

func (r *Registry) validateRxOrder(ctx context.Context, raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "version", "rx_id", "prescriber_id", "patient_ref", "priority", "items", "ts", "nonce", "signature"); err != nil {
		return nil, err
	}
	var o RxOrder
	if err := decode(raw, &o); err != nil {
		return nil, err
	}
	if err := checkStamp(o.TS, o.Nonce); err != nil {
		return nil, err
	}
	if !o.Priority.Valid() {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "priority", fmt.Sprintf("unknown priority %q", o.Priority))
	}
	if len(o.Items) == 0 {
		return nil, protocol.FormatErr(protocol.CodeMissingField, "items", "order has no items")
	}
	for i, it := range o.Items {
		field := fmt.Sprintf("items[%d]", i)
		if it.Code == "" || it.Qty <= 0 {
			return nil, protocol.FormatErr(protocol.CodeInvalidField, field, "item needs a code and a positive qty")
		}
		if it.Controlled {
			if _, ok := r.cfg.Schedules.Rule(it.Schedule); !ok {
				return nil, protocol.FormatErr(protocol.CodeInvalidField, field+".schedule",
					fmt.Sprintf("controlled item %s has unknown schedule %q", it.Code, it.Schedule))
			}
		}
	}

	// Authority: the prescriber certificate is re-checked on every use.
	if r.cfg.Certs == nil {
		return nil, protocol.TrustErr(protocol.CodeUnknownSigner, "prescriber_id", "no certificate cache available")
	}
	cert, err := r.cfg.Certs.Lookup(ctx, o.PrescriberID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.TrustErr(protocol.CodeUnknownSigner, "prescriber_id",
			fmt.Sprintf("no certificate for prescriber %s", o.PrescriberID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up certificate: %w", err)
	}
	if len(r.cfg.HubSigningKey) == 0 {
		return nil, protocol.TrustErr(protocol.CodeUnknownSigner, "prescriber_id", "hub key unknown, cannot check certificate issuer")
	}
	if err := certs.Validate(cert, r.cfg.HubSigningKey, r.cfg.Now(), r.cfg.CertPolicy, o.TS); err != nil {
		return nil, err
	}
	key, err := cert.Key()
	if err != nil {
		return nil, protocol.TrustErr(protocol.CodeKeyInvalid, "public_key", err.Error())
	}
	if res := trust.VerifySignature(key, fields); !res.Valid {
		return nil, res.Err()
	}

	if !cert.HasPermission(model.PermRxWrite) {
		return nil, protocol.AuthzErr(protocol.CodeNotAuthorized, "prescriber_id",
			fmt.Sprintf("prescriber %s lacks %s permission", o.PrescriberID, model.PermRxWrite))
	}
	if o.HasControlled() && !cert.HasPermission(model.PermRxControlled) {
		for i, it := range o.Items {
			if it.Controlled {
				return nil, protocol.AuthzErr(protocol.CodeNotAuthorized, fmt.Sprintf("items[%d].controlled", i),
					fmt.Sprintf("prescriber %s lacks %s permission for %s", o.PrescriberID, model.PermRxControlled, it.Code))
			}
		}
	}
	return &o, nil
}

func (r *Registry) validateTicket(raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "version", "ticket_id", "station_id", "items", "ts", "nonce", "hmac"); err != nil {
		return nil, err
	}
	var tk ConsumptionTicket
	if err := decode(raw, &tk); err != nil {
		return nil, err
	}
	if err := checkStamp(tk.TS, tk.Nonce); err != nil {
		return nil, err
	}
	if err := checkLineItems(tk.Items); err != nil {
		return nil, err
	}
	if len(r.cfg.StationSecret) == 0 {
		return nil, protocol.StateErr(protocol.CodeNotPaired, "hmac", "station secret unavailable, pair this station first")
	}
	if res := trust.VerifyMAC(r.cfg.StationSecret, fields); !res.Valid {
		return nil, res.Err()
	}
	if r.cfg.StationID != "" && tk.StationID != r.cfg.StationID {
		return nil, protocol.AuthzErr(protocol.CodeNotAuthorized, "station_id",
			fmt.Sprintf("ticket belongs to %s, this station is %s", tk.StationID, r.cfg.StationID))
	}
	return &tk, nil
}

func (r *Registry) validateCertUpdate(raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "version", "update_id", "certs", "ts", "nonce", "signature"); err != nil {
		return nil, err
	}
	var u CertUpdate
	if err := decode(raw, &u); err != nil {
		return nil, err
	}
	if err := checkStamp(u.TS, u.Nonce); err != nil {
		return nil, err
	}
	if err := r.verifyHubSignature(fields); err != nil {
		return nil, err
	}
	for i, c := range u.Certs {
		if c.SubjectID == "" {
			return nil, protocol.FormatErr(protocol.CodeMissingField, fmt.Sprintf("certs[%d].subject_id", i), "certificate has no subject")
		}
		if res := certs.VerifyIssuer(r.cfg.HubSigningKey, c); !res.Valid {
			return nil, protocol.TrustErr(res.Code, fmt.Sprintf("certs[%d]", i),
				fmt.Sprintf("certificate for %s: %s", c.SubjectID, res.Detail))
		}
	}
	return &u, nil
}

func (r *Registry) validateDispenseRecord(ctx context.Context, raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "version", "dispense_id", "rx_id", "station_id", "dispensed_by", "items", "ts", "nonce", "hmac"); err != nil {
		return nil, err
	}
	var d DispenseRecord
	if err := decode(raw, &d); err != nil {
		return nil, err
	}
	if err := checkStamp(d.TS, d.Nonce); err != nil {
		return nil, err
	}
	secret, err := r.secretFor(ctx, d.StationID)
	if err != nil {
		return nil, err
	}
	if res := trust.VerifyMAC(secret, fields); !res.Valid {
		return nil, res.Err()
	}
	if err := CheckDispenseRules(d.Items, d.WitnessID, r.cfg.Schedules); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Registry) validateReport(ctx context.Context, raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "version", "packet_id", "station_id", "seq_id", "actions", "ts", "nonce", "hmac"); err != nil {
		return nil, err
	}
	var rep Report
	if err := decode(raw, &rep); err != nil {
		return nil, err
	}
	if err := checkStamp(rep.TS, rep.Nonce); err != nil {
		return nil, err
	}
	for i, a := range rep.Actions {
		switch a.Type {
		case ActionDispense, ActionReceive, ActionRegister:
		default:
			return nil, protocol.FormatErr(protocol.CodeInvalidField, fmt.Sprintf("actions[%d].type", i),
				fmt.Sprintf("unknown action %q", a.Type))
		}
	}
	secret, err := r.secretFor(ctx, rep.StationID)
	if err != nil {
		return nil, err
	}
	if res := trust.VerifyMAC(secret, fields); !res.Valid {
		return nil, res.Err()
	}
	return &rep, nil
}

func (r *Registry) validateInvite(raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "ver", "hub_url", "pairing_code", "station_id", "station_type", "expires_at", "ts", "nonce"); err != nil {
		return nil, err
	}
	var inv PairInvite
	if err := decode(raw, &inv); err != nil {
		return nil, err
	}
	if err := checkStamp(inv.TS, inv.Nonce); err != nil {
		return nil, err
	}
	if !protocol.ValidPairingCode(inv.PairingCode) {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "pairing_code", "pairing code is malformed")
	}
	if !inv.StationType.Valid() {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "station_type", fmt.Sprintf("unknown station type %q", inv.StationType))
	}
	if u, err := url.Parse(inv.HubURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "hub_url", "hub_url must be an http(s) URL")
	}
	if r.cfg.Now().Unix() > inv.ExpiresAt {
		return nil, protocol.TrustErr(protocol.CodeExpired, "expires_at", "pairing invite has expired, ask the Hub for a new one")
	}
	// An unsigned invite is allowed; a signed one is checked as soon as a
	// Hub key is known (here, or by the pairing controller after exchange).
	if inv.Signature != "" && len(r.cfg.HubSigningKey) > 0 {
		if res := trust.VerifySignature(r.cfg.HubSigningKey, fields); !res.Valid {
			return nil, res.Err()
		}
	}
	return &inv, nil
}

func (r *Registry) validateOfflineConfig(raw []byte, fields map[string]any) (Packet, error) {
	if err := require(fields, "version", "config_id", "station_id", "station_type", "station_secret",
		"hub_signing_key", "hub_encryption_key", "expires_at", "ts", "nonce", "signature"); err != nil {
		return nil, err
	}
	var c OfflineConfig
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	if err := checkStamp(c.TS, c.Nonce); err != nil {
		return nil, err
	}
	if !c.StationType.Valid() {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "station_type", fmt.Sprintf("unknown station type %q", c.StationType))
	}
	if _, err := trust.DecodeSecret(c.StationSecret); err != nil {
		return nil, protocol.TrustErr(protocol.CodeKeyInvalid, "station_secret", err.Error())
	}
	if _, err := trust.DecodeEncryptionKey(c.HubEncryptionKey); err != nil {
		return nil, protocol.TrustErr(protocol.CodeKeyInvalid, "hub_encryption_key", err.Error())
	}
	embedded, err := trust.DecodeSigningKey(c.HubSigningKey)
	if err != nil {
		return nil, protocol.TrustErr(protocol.CodeKeyInvalid, "hub_signing_key", err.Error())
	}
	if r.cfg.Now().Unix() > c.ExpiresAt {
		return nil, protocol.TrustErr(protocol.CodeExpired, "expires_at", "offline configuration bundle has expired")
	}

	key := r.cfg.HubSigningKey
	if len(key) == 0 {
		key = embedded
	} else if !bytes.Equal(key, embedded) {
		return nil, protocol.TrustErr(protocol.CodeUnknownSigner, "hub_signing_key",
			"bundle names a different Hub than the one this device already trusts")
	}
	if res := trust.VerifySignature(key, fields); !res.Valid {
		return nil, res.Err()
	}
	for i, cert := range c.PrescriberCerts {
		if res := certs.VerifyIssuer(key, cert); !res.Valid {
			return nil, protocol.TrustErr(res.Code, fmt.Sprintf("prescriber_certs[%d]", i), res.Detail)
		}
	}
	return &c, nil
}

func (r *Registry) verifyHubSignature(fields map[string]any) error {
	if len(r.cfg.HubSigningKey) == 0 {
		return protocol.TrustErr(protocol.CodeUnknownSigner, "signature", "hub key unknown, pair this station first")
	}
	if res := trust.VerifySignature(r.cfg.HubSigningKey, fields); !res.Valid {
		return res.Err()
	}
	return nil
}

// secretFor finds the secret a station authenticated with: the Hub looks
// it up by station id, a station uses its own.
func (r *Registry) secretFor(ctx context.Context, stationID string) ([]byte, error) {
	if r.cfg.Secrets != nil {
		secret, err := r.cfg.Secrets(ctx, stationID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.TrustErr(protocol.CodeUnknownSigner, "station_id",
				fmt.Sprintf("station %s is not registered", stationID))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up station secret: %w", err)
		}
		return secret, nil
	}
	if len(r.cfg.StationSecret) == 0 {
		return nil, protocol.StateErr(protocol.CodeNotPaired, "hmac", "station secret unavailable, pair this station first")
	}
	if r.cfg.StationID != "" && stationID != r.cfg.StationID {
		return nil, protocol.TrustErr(protocol.CodeUnknownSigner, "station_id",
			fmt.Sprintf("cannot authenticate records of station %s", stationID))
	}
	return r.cfg.StationSecret, nil
}

func require(fields map[string]any, names ...string) error {
	for _, name := range names {
		v, ok := fields[name]
		if !ok || v == nil {
			return protocol.FormatErr(protocol.CodeMissingField, name, "required field missing")
		}
		if s, isString := v.(string); isString && s == "" {
			return protocol.FormatErr(protocol.CodeMissingField, name, "required field empty")
		}
	}
	return nil
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return protocol.FormatErr(protocol.CodeInvalidField, typeErr.Field,
				fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value))
		}
		return protocol.FormatErr(protocol.CodeMalformedPayload, "", err.Error())
	}
	return nil
}

func checkStamp(ts int64, nonce string) error {
	if ts <= 0 {
		return protocol.FormatErr(protocol.CodeInvalidField, "ts", "timestamp must be positive unix seconds")
	}
	if len(nonce) < minNonceHex {
		return protocol.FormatErr(protocol.CodeInvalidField, "nonce", fmt.Sprintf("nonce must be at least %d hex chars", minNonceHex))
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		return protocol.FormatErr(protocol.CodeInvalidField, "nonce", "nonce must be hex")
	}
	return nil
}

func checkLineItems(items []LineItem) error {
	if len(items) == 0 {
		return protocol.FormatErr(protocol.CodeMissingField, "items", "no items")
	}
	for i, it := range items {
		if it.Code == "" || it.Qty <= 0 {
			return protocol.FormatErr(protocol.CodeInvalidField, fmt.Sprintf("items[%d]", i), "item needs a code and a positive qty")
		}
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/pairing"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

const pairingNamespace = "hub_pairing"

// DefaultCodeTTL is how long a pairing code can be redeemed.
const DefaultCodeTTL = 10 * time.Minute

// PendingCode is an issued, unredeemed pairing code.
type PendingCode struct {
	Code        string               `json:"code"`
	StationID   string               `json:"station_id"`
	StationType protocol.StationType `json:"station_type"`
	DisplayName string               `json:"display_name,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	ExpiresAt   time.Time            `json:"expires_at"`
}

// PairingService issues and redeems pairing codes.
type PairingService struct {
	kv       store.KV
	issuer   *Issuer
	stations *Stations
	certs    *certs.Cache
	ttl      time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	mu       sync.Mutex
}

// NewPairingService creates the service. A zero ttl selects DefaultCodeTTL.
func NewPairingService(kv store.KV, issuer *Issuer, stations *Stations, cache *certs.Cache, ttl time.Duration, logger zerolog.Logger) *PairingService {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &PairingService{
		kv:       kv,
		issuer:   issuer,
		stations: stations,
		certs:    cache,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source.
func (p *PairingService) SetClock(now func() time.Time) {
	p.now = now
}

// CreateCode issues a new code for a station. An empty stationID gets a
// generated one.
func (p *PairingService) CreateCode(ctx context.Context, stationID string, stationType protocol.StationType, displayName string) (PendingCode, error) {
	if !stationType.Valid() || stationType == protocol.StationHub {
		return PendingCode{}, protocol.FormatErr(protocol.CodeInvalidField, "station_type", fmt.Sprintf("cannot pair a station of type %q", stationType))
	}
	if stationID == "" {
		stationID = packet.NewMessageID(string(stationType))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var code string
	for attempt := 0; attempt < 8; attempt++ {
		candidate, err := randomCode()
		if err != nil {
			return PendingCode{}, err
		}
		if _, err := p.kv.Get(ctx, pairingNamespace, candidate); errors.Is(err, store.ErrNotFound) {
			code = candidate
			break
		}
	}
	if code == "" {
		return PendingCode{}, fmt.Errorf("failed to find a free pairing code")
	}

	now := p.now().UTC()
	pc := PendingCode{
		Code:        code,
		StationID:   stationID,
		StationType: stationType,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.ttl),
	}
	data, err := json.Marshal(pc)
	if err != nil {
		return PendingCode{}, fmt.Errorf("failed to marshal pairing code: %w", err)
	}
	if err := p.kv.Put(ctx, store.Record{Namespace: pairingNamespace, Key: code, Value: data}); err != nil {
		return PendingCode{}, fmt.Errorf("failed to save pairing code: %w", err)
	}
	p.logger.Info().Str("station_id", stationID).Str("station_type", string(stationType)).
		Time("expires_at", pc.ExpiresAt).Msg("pairing code issued")
	return pc, nil
}

// Invite issues a code and the signed invite that carries it.
func (p *PairingService) Invite(ctx context.Context, hubURL, stationID string, stationType protocol.StationType, displayName string) (*packet.PairInvite, error) {
	pc, err := p.CreateCode(ctx, stationID, stationType, displayName)
	if err != nil {
		return nil, err
	}
	return p.issuer.Invite(hubURL, pc.Code, pc.StationID, pc.StationType, pc.ExpiresAt)
}

// Redeem exchanges a code for the station's trust bundle. A code works
// once; an expired code is discarded.
func (p *PairingService) Redeem(ctx context.Context, req pairing.Request) (pairing.Bundle, error) {
	code := protocol.NormalizePairingCode(req.PairingCode)
	if !protocol.ValidPairingCode(code) {
		return pairing.Bundle{}, protocol.FormatErr(protocol.CodeInvalidField, "pairing_code", "pairing code is malformed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.kv.Get(ctx, pairingNamespace, code)
	if errors.Is(err, store.ErrNotFound) {
		return pairing.Bundle{}, protocol.StateErr(protocol.CodeNotFound, "pairing_code", "unknown or already used pairing code")
	}
	if err != nil {
		return pairing.Bundle{}, err
	}
	var pc PendingCode
	if err := json.Unmarshal(rec.Value, &pc); err != nil {
		return pairing.Bundle{}, fmt.Errorf("corrupt pairing code: %w", err)
	}
	// Single use: the code is gone whatever happens next.
	if err := p.kv.Delete(ctx, pairingNamespace, code); err != nil {
		return pairing.Bundle{}, fmt.Errorf("failed to consume pairing code: %w", err)
	}
	if p.now().After(pc.ExpiresAt) {
		return pairing.Bundle{}, protocol.TrustErr(protocol.CodeExpired, "pairing_code", "pairing code has expired")
	}
	if req.StationID != "" && req.StationID != pc.StationID {
		return pairing.Bundle{}, protocol.AuthzErr(protocol.CodeNotAuthorized, "station_id", "code was issued for another station")
	}

	secret, err := trust.GenerateSecret()
	if err != nil {
		return pairing.Bundle{}, err
	}
	displayName := pc.DisplayName
	if displayName == "" {
		displayName = strings.TrimSpace(req.DeviceName)
	}
	st := Station{
		StationID:    pc.StationID,
		StationType:  pc.StationType,
		DisplayName:  displayName,
		Secret:       trust.EncodeKey(secret),
		RegisteredAt: p.now().UTC(),
		PairedVia:    model.PairedOnline,
	}
	if err := p.stations.Register(ctx, st); err != nil {
		return pairing.Bundle{}, err
	}

	bundle := pairing.Bundle{
		StationID:        st.StationID,
		StationType:      st.StationType,
		DisplayName:      st.DisplayName,
		StationSecret:    st.Secret,
		HubSigningKey:    p.issuer.Keys().SigningKey(),
		HubEncryptionKey: p.issuer.Keys().EncryptionKey(),
	}
	if st.StationType == protocol.StationPharmacy {
		if bundle.PrescriberCerts, err = ActiveCertificates(ctx, p.certs, p.now()); err != nil {
			return pairing.Bundle{}, err
		}
	}
	p.logger.Info().Str("station_id", st.StationID).Str("station_type", string(st.StationType)).Msg("station paired")
	return bundle, nil
}

// RegisterOffline registers a station for an offline bundle and returns
// the bundle.
func (p *PairingService) RegisterOffline(ctx context.Context, stationID string, stationType protocol.StationType, displayName string, ttl time.Duration) (*packet.OfflineConfig, error) {
	if !stationType.Valid() || stationType == protocol.StationHub {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "station_type", fmt.Sprintf("cannot pair a station of type %q", stationType))
	}
	if stationID == "" {
		stationID = packet.NewMessageID(string(stationType))
	}
	secret, err := trust.GenerateSecret()
	if err != nil {
		return nil, err
	}
	st := Station{
		StationID:    stationID,
		StationType:  stationType,
		DisplayName:  displayName,
		Secret:       trust.EncodeKey(secret),
		RegisteredAt: p.now().UTC(),
		PairedVia:    model.PairedOffline,
	}
	var prescriberCerts []model.Certificate
	if stationType == protocol.StationPharmacy {
		if prescriberCerts, err = ActiveCertificates(ctx, p.certs, p.now()); err != nil {
			return nil, err
		}
	}
	cfg, err := p.issuer.OfflineConfig(st, secret, prescriberCerts, ttl)
	if err != nil {
		return nil, err
	}
	if err := p.stations.Register(ctx, st); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PurgeExpired drops codes past their TTL.
func (p *PairingService) PurgeExpired(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs, err := p.kv.ListByIndex(ctx, pairingNamespace, "")
	if err != nil {
		return 0, err
	}
	now := p.now()
	purged := 0
	for _, rec := range recs {
		var pc PendingCode
		if err := json.Unmarshal(rec.Value, &pc); err == nil && !now.After(pc.ExpiresAt) {
			continue
		}
		if err := p.kv.Delete(ctx, pairingNamespace, rec.Key); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ActiveCertificates returns cached certificates that are neither revoked
// nor outside their validity window at now.
func ActiveCertificates(ctx context.Context, cache *certs.Cache, now time.Time) ([]model.Certificate, error) {
	if cache == nil {
		return nil, nil
	}
	all, err := cache.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Certificate
	for _, c := range all {
		if c.Revoked || c.IssuerSignature == "" {
			continue
		}
		if now.Unix() < c.ValidFrom || now.Unix() > c.ValidUntil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Package pairing onboards a device: it turns an invite, a typed code or
// an offline configuration bundle into a persisted station identity.
//
// INVARIANTS:
// - idle -> parsing -> connecting -> {success, error}; error resets to idle
// - Nothing is persisted unless every check passed
// - A signed invite must verify with the Hub key the exchange returned
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/identity"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/observability"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/trust"
)

// State of the controller.
type State string

const (
	StateIdle       State = "idle"
	StateParsing    State = "parsing"
	StateConnecting State = "connecting"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Status is a snapshot of the controller.
type Status struct {
	State     State
	LastError string
}

// Controller drives one pairing attempt at a time.
type Controller struct {
	ids       *identity.Store
	certs     *certs.Cache
	exchanger Exchanger
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	state     State
	lastErr   string
	listeners []func(State)
}

// NewController creates a controller. exchanger may be nil on devices that
// only pair offline.
func NewController(ids *identity.Store, cache *certs.Cache, exchanger Exchanger, logger zerolog.Logger) *Controller {
	return &Controller{
		ids:       ids,
		certs:     cache,
		exchanger: exchanger,
		logger:    logger,
		now:       time.Now,
		state:     StateIdle,
	}
}

// SetClock overrides the time source.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// OnTransition registers fn to observe every state change.
func (c *Controller) OnTransition(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Status returns the current state and the cause of the last failure.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, LastError: c.lastErr}
}

// Reset returns a finished controller to idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.state != StateSuccess && c.state != StateError {
		c.mu.Unlock()
		return
	}
	listeners := c.moveLocked(StateIdle)
	c.mu.Unlock()
	notify(listeners, StateIdle)
}

// PairOnline pairs from a scanned invite: its JSON or its chunk text.
func (c *Controller) PairOnline(ctx context.Context, scanned string, deviceName string) (model.StationIdentity, error) {
	if err := c.begin(); err != nil {
		return model.StationIdentity{}, err
	}
	inv, fields, err := c.parseInvite(scanned)
	if err != nil {
		return model.StationIdentity{}, c.fail("online", err)
	}
	id, err := c.exchange(ctx, inv.HubURL, Request{
		PairingCode: inv.PairingCode,
		StationID:   inv.StationID,
		DeviceName:  deviceName,
	}, func(b Bundle, hubKey []byte) error {
		if b.StationType != inv.StationType {
			return protocol.FormatErr(protocol.CodeInvalidField, "station_type",
				fmt.Sprintf("invite is for a %s station but the Hub paired this device as %s", inv.StationType, b.StationType))
		}
		if inv.Signature == "" {
			return nil
		}
		if res := trust.VerifySignature(hubKey, fields); !res.Valid {
			return res.Err()
		}
		return nil
	})
	if err != nil {
		return model.StationIdentity{}, c.fail("online", err)
	}
	return id, nil
}

// PairWithCode pairs from a code typed by hand.
func (c *Controller) PairWithCode(ctx context.Context, hubURL, code, deviceName string) (model.StationIdentity, error) {
	if err := c.begin(); err != nil {
		return model.StationIdentity{}, err
	}
	code = protocol.NormalizePairingCode(code)
	if !protocol.ValidPairingCode(code) {
		return model.StationIdentity{}, c.fail("code", protocol.FormatErr(protocol.CodeInvalidField, "pairing_code",
			fmt.Sprintf("a pairing code is %d characters from %s", protocol.PairingCodeLength, protocol.PairingAlphabet)))
	}
	if !strings.HasPrefix(hubURL, "http://") && !strings.HasPrefix(hubURL, "https://") {
		return model.StationIdentity{}, c.fail("code", protocol.FormatErr(protocol.CodeInvalidField, "hub_url", "hub URL must start with http:// or https://"))
	}
	id, err := c.exchange(ctx, hubURL, Request{PairingCode: code, DeviceName: deviceName}, nil)
	if err != nil {
		return model.StationIdentity{}, c.fail("code", err)
	}
	return id, nil
}

// PairOffline imports a STATION_CONFIG_OFFLINE bundle, as JSON or chunks.
// When this device already trusts a Hub, the bundle must come from it.
func (c *Controller) PairOffline(ctx context.Context, scanned []string) (model.StationIdentity, error) {
	if err := c.begin(); err != nil {
		return model.StationIdentity{}, err
	}
	raw, err := payloadOf(scanned)
	if err != nil {
		return model.StationIdentity{}, c.fail("offline", err)
	}

	cfg := packet.Config{Now: c.now}
	if prior, err := c.ids.Load(ctx); err == nil {
		if key, err := trust.DecodeSigningKey(prior.HubSigningKey); err == nil {
			cfg.HubSigningKey = key
		}
	}
	env := packet.NewRegistry(cfg).DispatchAs(ctx, raw, protocol.StationConfigOffline)
	if !env.Valid {
		return model.StationIdentity{}, c.fail("offline", env.Err)
	}
	bundle := env.Data.(*packet.OfflineConfig)

	id := model.StationIdentity{
		StationID:        bundle.StationID,
		StationType:      bundle.StationType,
		DisplayName:      bundle.DisplayName,
		StationSecret:    bundle.StationSecret,
		HubSigningKey:    bundle.HubSigningKey,
		HubEncryptionKey: bundle.HubEncryptionKey,
		PairedAt:         c.now().UTC(),
		PairedVia:        model.PairedOffline,
	}
	if err := c.persist(ctx, id, bundle.PrescriberCerts); err != nil {
		return model.StationIdentity{}, c.fail("offline", err)
	}
	c.succeed("offline", id)
	return id, nil
}

// Unpair clears the stored identity and cached certificates.
func (c *Controller) Unpair(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateParsing || c.state == StateConnecting {
		c.mu.Unlock()
		return protocol.StateErr(protocol.CodeInvalidTransition, "state", "a pairing attempt is in progress")
	}
	if err := c.certs.Clear(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.ids.Clear(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	listeners := c.moveLocked(StateIdle)
	c.mu.Unlock()

	c.logger.Info().Msg("station unpaired")
	notify(listeners, StateIdle)
	return nil
}

func (c *Controller) parseInvite(scanned string) (*packet.PairInvite, map[string]any, error) {
	raw, err := payloadOf([]string{scanned})
	if err != nil {
		return nil, nil, err
	}
	// No Hub key is trusted yet; structure and expiry are checked here,
	// the signature once the exchange names the Hub key.
	env := packet.NewRegistry(packet.Config{Now: c.now}).DispatchAs(context.Background(), raw, protocol.StationPairInvite)
	if !env.Valid {
		return nil, nil, env.Err
	}
	fields, err := trust.DecodeObject(raw)
	if err != nil {
		return nil, nil, protocol.FormatErr(protocol.CodeMalformedPayload, "", "invite is not a JSON object")
	}
	return env.Data.(*packet.PairInvite), fields, nil
}

func (c *Controller) exchange(ctx context.Context, hubURL string, req Request, checkInvite func(b Bundle, hubKey []byte) error) (model.StationIdentity, error) {
	if c.exchanger == nil {
		return model.StationIdentity{}, errors.New("online pairing is not available on this device")
	}
	c.set(StateConnecting)
	c.logger.Info().Str("hub_url", hubURL).Msg("redeeming pairing code")

	bundle, err := c.exchanger.Exchange(ctx, hubURL, req)
	if err != nil {
		return model.StationIdentity{}, err
	}

	hubKey, err := trust.DecodeSigningKey(bundle.HubSigningKey)
	if err != nil {
		return model.StationIdentity{}, protocol.TrustErr(protocol.CodeKeyInvalid, "hub_signing_key", err.Error())
	}
	if checkInvite != nil {
		if err := checkInvite(bundle, hubKey); err != nil {
			return model.StationIdentity{}, err
		}
	}
	for i, cert := range bundle.PrescriberCerts {
		if res := certs.VerifyIssuer(hubKey, cert); !res.Valid {
			return model.StationIdentity{}, protocol.TrustErr(res.Code, fmt.Sprintf("prescriber_certs[%d]", i), res.Detail)
		}
	}

	stationID := bundle.StationID
	if stationID == "" {
		stationID = req.StationID
	}
	id := model.StationIdentity{
		StationID:        stationID,
		StationType:      bundle.StationType,
		DisplayName:      bundle.DisplayName,
		StationSecret:    bundle.StationSecret,
		HubSigningKey:    bundle.HubSigningKey,
		HubEncryptionKey: bundle.HubEncryptionKey,
		HubURL:           hubURL,
		PairedAt:         c.now().UTC(),
		PairedVia:        model.PairedOnline,
	}
	if err := c.persist(ctx, id, bundle.PrescriberCerts); err != nil {
		return model.StationIdentity{}, err
	}
	c.succeed("online", id)
	return id, nil
}

// persist validates id before touching the store, then writes the
// identity and the certificates. When either write fails both are put
// back the way they were.
func (c *Controller) persist(ctx context.Context, id model.StationIdentity, prescriberCerts []model.Certificate) error {
	if err := id.Validate(); err != nil {
		return protocol.FormatErr(protocol.CodeInvalidField, "bundle", err.Error())
	}
	if _, err := identity.Decode(id); err != nil {
		return protocol.TrustErr(protocol.CodeKeyInvalid, "bundle", err.Error())
	}

	prior, err := c.ids.Load(ctx)
	hadPrior := err == nil
	priorCerts, err := c.certs.List(ctx)
	if err != nil {
		return err
	}

	if err := c.ids.Save(ctx, id); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	if err := c.certs.Apply(ctx, prescriberCerts, nil); err != nil {
		c.rollback(ctx, prior, hadPrior, priorCerts)
		return fmt.Errorf("failed to store prescriber certificates: %w", err)
	}
	return nil
}

func (c *Controller) rollback(ctx context.Context, prior model.StationIdentity, hadPrior bool, priorCerts []model.Certificate) {
	var err error
	if hadPrior {
		err = c.ids.Save(ctx, prior)
	} else {
		err = c.ids.Clear(ctx)
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to restore identity after pairing failure")
	}
	if err := c.certs.Restore(ctx, priorCerts); err != nil {
		c.logger.Error().Err(err).Msg("failed to restore certificates after pairing failure")
	}
}

func payloadOf(scanned []string) ([]byte, error) {
	if len(scanned) == 1 {
		text := strings.TrimSpace(scanned[0])
		if strings.HasPrefix(text, "{") {
			return []byte(text), nil
		}
	}
	prog, err := chunk.Reassemble(scanned)
	if err != nil {
		return nil, err
	}
	if !prog.Complete {
		return nil, protocol.FormatErr(protocol.CodeMalformedChunk, "chunks",
			fmt.Sprintf("scan incomplete: missing chunks %v", prog.Missing))
	}
	return prog.Payload, nil
}

func (c *Controller) begin() error {
	c.mu.Lock()
	if c.state == StateParsing || c.state == StateConnecting {
		c.mu.Unlock()
		return protocol.StateErr(protocol.CodeInvalidTransition, "state", "a pairing attempt is already in progress")
	}
	c.lastErr = ""
	listeners := c.moveLocked(StateParsing)
	c.mu.Unlock()
	notify(listeners, StateParsing)
	return nil
}

func (c *Controller) fail(method string, err error) error {
	observability.RecordPairing(method, false)
	ev := c.logger.Warn().Err(err).Str("method", method)
	if pe, ok := protocol.AsError(err); ok {
		ev = ev.Str("code", string(pe.Code)).Str("field", pe.Field)
	}
	ev.Msg("pairing failed")

	c.mu.Lock()
	c.lastErr = describe(err)
	listeners := c.moveLocked(StateIdle)
	c.mu.Unlock()
	notify(listeners, StateError, StateIdle)
	return err
}

func (c *Controller) succeed(method string, id model.StationIdentity) {
	observability.RecordPairing(method, true)
	c.logger.Info().
		Str("station_id", id.StationID).
		Str("station_type", string(id.StationType)).
		Str("method", method).
		Msg("station paired")
	c.set(StateSuccess)
}

func (c *Controller) set(s State) {
	c.mu.Lock()
	listeners := c.moveLocked(s)
	c.mu.Unlock()
	notify(listeners, s)
}

// moveLocked sets the state and returns the listeners to notify once
// c.mu is released.
func (c *Controller) moveLocked(s State) []func(State) {
	c.state = s
	return append(([]func(State))(nil), c.listeners...)
}

func notify(listeners []func(State), states ...State) {
	for _, s := range states {
		for _, fn := range listeners {
			fn(s)
		}
	}
}

// describe turns err into a sentence an operator can act on.
func describe(err error) string {
	if IsRetryable(err) {
		return "Could not reach the Hub. Check the network and try again."
	}
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return "The Hub refused the code: " + ee.Message
	}
	switch protocol.CodeOf(err) {
	case protocol.CodeExpired:
		return "This invite or bundle has expired. Ask the Hub for a new one."
	case protocol.CodeSignatureInvalid, protocol.CodeUnknownSigner:
		return "The invite was not issued by this Hub. Do not use it."
	case protocol.CodeChecksumMismatch, protocol.CodeMalformedChunk, protocol.CodeUnknownFormat:
		return "The code could not be read. Scan it again."
	}
	return err.Error()
}

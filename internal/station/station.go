package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/carrier"
	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/dispense"
	"github.com/xirs/xirs/internal/identity"
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/observability"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/replay"
	"github.com/xirs/xirs/internal/store"
)

const (
	manifestNamespace = "manifests"
	ticketNamespace   = "tickets"
)

// Outcomes recorded in the replay ledger.
const (
	OutcomeQueued       = "QUEUED"
	OutcomeCertsApplied = "CERTS_APPLIED"
	OutcomeReceived     = "RECEIVED"
	OutcomeConsumed     = "CONSUMED"
)

// Options tune a station. Zero values select defaults.
type Options struct {
	Codec      *chunk.Codec
	CertPolicy certs.TimePolicy
	Retention  time.Duration
	Schedules  packet.ControlledSchedules
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Station is one device: its identity and every protocol component
// over a single local store.
type Station struct {
	KV       store.KV
	Audit    store.AuditLog
	Identity model.StationIdentity
	Paired   bool

	Identities *identity.Store
	Certs      *certs.Cache
	Guard      *replay.Guard
	Registry   *packet.Registry
	Pipeline   *Pipeline
	Queue      *dispense.Queue
	Carrier    *carrier.Store
	Reports    *Reports
	Codec      *chunk.Codec

	now    func() time.Time
	logger zerolog.Logger
}

// New assembles a station over kv. An unpaired device gets a station
// that can carry packets and pair, and rejects everything else.
func New(ctx context.Context, kv store.KV, audit store.AuditLog, opts Options) (*Station, error) {
	if opts.Codec == nil {
		opts.Codec = chunk.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Schedules == nil {
		opts.Schedules = packet.DefaultSchedules()
	}
	if audit == nil {
		audit = store.NewMemAudit()
	}

	s := &Station{
		KV:         kv,
		Audit:      audit,
		Identities: identity.NewStore(kv),
		Certs:      certs.NewCache(kv),
		Guard:      replay.NewGuard(kv, opts.Retention),
		Carrier:    carrier.NewStore(kv),
		Codec:      opts.Codec,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	s.Guard.SetClock(opts.Now)
	s.Carrier.SetClock(opts.Now)

	id, err := s.Identities.Load(ctx)
	switch {
	case err == nil:
		s.Identity = id
		s.Paired = true
	case !errors.Is(err, identity.ErrNotPaired):
		return nil, err
	}

	regCfg := packet.Config{
		Certs:      s.Certs,
		Schedules:  opts.Schedules,
		CertPolicy: opts.CertPolicy,
		Now:        opts.Now,
	}
	var keys identity.Keys
	if s.Paired {
		if keys, err = identity.Decode(id); err != nil {
			return nil, fmt.Errorf("stored identity is unusable: %w", err)
		}
		regCfg.StationID = id.StationID
		regCfg.StationSecret = keys.Secret
		regCfg.HubSigningKey = keys.HubSigningKey
	}
	s.Registry = packet.NewRegistry(regCfg)
	s.Pipeline = NewPipeline(s.Registry, s.Guard, audit, opts.Logger)
	s.Queue = dispense.NewQueue(kv, dispense.Config{
		StationID:     id.StationID,
		StationSecret: keys.Secret,
		Schedules:     opts.Schedules,
		Now:           opts.Now,
	})
	s.Reports = NewReports(kv, id.StationID, keys.Secret, keys.HubEncryption, opts.Codec)
	s.Reports.SetClock(opts.Now)

	if s.Paired {
		s.registerHandlers(id.StationType)
	}
	return s, nil
}

func (s *Station) registerHandlers(role protocol.StationType) {
	switch role {
	case protocol.StationPharmacy:
		s.Pipeline.Handle(protocol.RxOrder, s.handleOrder)
		s.Pipeline.Handle(protocol.CertUpdate, s.handleCertUpdate)
	case protocol.StationDoctor:
		s.Pipeline.Handle(protocol.CertUpdate, s.handleCertUpdate)
	case protocol.StationSupply:
		s.Pipeline.Handle(protocol.RestockManifest, s.handleManifest)
		s.Pipeline.Handle(protocol.ConsumptionTicket, s.handleTicket)
	}
}

// NewSession starts a scan session feeding this station's pipeline.
func (s *Station) NewSession() *ScanSession {
	return NewSession(s.Pipeline)
}

func (s *Station) handleOrder(ctx context.Context, env packet.Envelope) (string, error) {
	entry, created, err := s.Queue.Enqueue(ctx, env)
	if err != nil {
		return "", err
	}
	if created {
		observability.RecordQueueTransition(string(dispense.StatePending))
	}
	s.logger.Info().Str("message_id", entry.MessageID).Str("priority", string(entry.Priority)).Msg("order queued")
	return OutcomeQueued, nil
}

func (s *Station) handleCertUpdate(ctx context.Context, env packet.Envelope) (string, error) {
	u := env.Data.(*packet.CertUpdate)
	if err := s.Certs.Apply(ctx, u.Certs, u.Revoked); err != nil {
		return "", err
	}
	s.logger.Info().Int("issued", len(u.Certs)).Int("revoked", len(u.Revoked)).Msg("certificates updated")
	return OutcomeCertsApplied, nil
}

func (s *Station) handleManifest(ctx context.Context, env packet.Envelope) (string, error) {
	m := env.Data.(*packet.RestockManifest)
	if err := s.putJSON(ctx, manifestNamespace, m.ManifestID, m); err != nil {
		return "", err
	}
	return OutcomeReceived, nil
}

func (s *Station) handleTicket(ctx context.Context, env packet.Envelope) (string, error) {
	tk := env.Data.(*packet.ConsumptionTicket)
	if err := s.putJSON(ctx, ticketNamespace, tk.TicketID, tk); err != nil {
		return "", err
	}
	actions := make([]packet.Action, 0, len(tk.Items))
	for _, it := range tk.Items {
		actions = append(actions, packet.Action{
			Type:     packet.ActionDispense,
			ItemCode: it.Code,
			Qty:      it.Qty,
			Unit:     it.Unit,
			PersonID: tk.PersonRef,
			TS:       tk.TS,
		})
	}
	if err := s.Reports.Log(ctx, actions...); err != nil {
		return "", err
	}
	return OutcomeConsumed, nil
}

// Claim takes an order for operator.
func (s *Station) Claim(ctx context.Context, messageID, operator string) (dispense.Entry, error) {
	e, err := s.Queue.Claim(ctx, messageID, operator)
	return s.queueEvent(ctx, model.EventQueueClaimed, e, err, operator)
}

// Release hands a claimed order back to the queue.
func (s *Station) Release(ctx context.Context, messageID string) (dispense.Entry, error) {
	e, err := s.Queue.Release(ctx, messageID)
	return s.queueEvent(ctx, model.EventQueueReleased, e, err, "")
}

// Complete closes an order and queues its dispense actions for the next
// report. When an earlier call completed the order but failed to queue
// its actions, calling Complete again finishes the job.
func (s *Station) Complete(ctx context.Context, messageID string, in dispense.CompleteInput) (dispense.Entry, error) {
	e, err := s.Queue.Complete(ctx, messageID, in)
	if protocol.CodeOf(err) == protocol.CodeInvalidTransition {
		if prior, unlogged := s.unloggedCompletion(ctx, messageID); unlogged {
			e, err = prior, nil
		}
	}
	if err != nil {
		return e, err
	}
	if err := s.Reports.LogDispense(ctx, e.DispenseRecord); err != nil {
		return e, err
	}
	return s.queueEvent(ctx, model.EventQueueCompleted, e, nil, in.DispensedBy)
}

func (s *Station) unloggedCompletion(ctx context.Context, messageID string) (dispense.Entry, bool) {
	e, err := s.Queue.Get(ctx, messageID)
	if err != nil || e.State != dispense.StateCompleted || e.DispenseRecord == nil {
		return e, false
	}
	logged, err := s.Reports.DispenseLogged(ctx, e.DispenseRecord.DispenseID)
	return e, err == nil && !logged
}

// Reject closes an order without dispensing.
func (s *Station) Reject(ctx context.Context, messageID string, reason dispense.Reason, note, by string) (dispense.Entry, error) {
	e, err := s.Queue.Reject(ctx, messageID, reason, note, by)
	return s.queueEvent(ctx, model.EventQueueRejected, e, err, string(reason))
}

func (s *Station) queueEvent(ctx context.Context, eventType string, e dispense.Entry, err error, detail string) (dispense.Entry, error) {
	if err != nil {
		return e, err
	}
	observability.RecordQueueTransition(string(e.State))
	if aerr := s.Audit.Append(ctx, model.AuditEvent{
		EventType:  eventType,
		PacketType: protocol.RxOrder,
		MessageID:  e.MessageID,
		Detail:     detail,
	}); aerr != nil {
		s.logger.Error().Err(aerr).Str("event_type", eventType).Msg("failed to write audit event")
	}
	return e, nil
}

// DispenseChunks encodes the DISPENSE_RECORD of a completed order.
func (s *Station) DispenseChunks(e dispense.Entry) ([]string, error) {
	if e.DispenseRecord == nil {
		return nil, protocol.StateErr(protocol.CodeInvalidTransition, "state",
			fmt.Sprintf("%s has no dispense record (state %s)", e.MessageID, e.State))
	}
	return packet.Encode(s.Codec, e.DispenseRecord)
}

// Manifests returns received restock manifests.
func (s *Station) Manifests(ctx context.Context) ([]packet.RestockManifest, error) {
	recs, err := s.KV.ListByIndex(ctx, manifestNamespace, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	out := make([]packet.RestockManifest, 0, len(recs))
	for _, rec := range recs {
		var m packet.RestockManifest
		if err := json.Unmarshal(rec.Value, &m); err != nil {
			return nil, fmt.Errorf("corrupt manifest %s: %w", rec.Key, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AckManifest builds the sealed, chunked report confirming receipt of a
// stored manifest.
func (s *Station) AckManifest(ctx context.Context, manifestID string) ([]string, error) {
	rec, err := s.KV.Get(ctx, manifestNamespace, manifestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.StateErr(protocol.CodeNotFound, "manifest_id", fmt.Sprintf("no manifest %s", manifestID))
	}
	if err != nil {
		return nil, err
	}
	var m packet.RestockManifest
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest %s: %w", manifestID, err)
	}
	rep, err := s.Reports.AckManifest(ctx, &m)
	if err != nil {
		return nil, err
	}
	return s.Reports.Encode(rep)
}

// FlushReport builds a sealed, chunked report of all pending actions.
func (s *Station) FlushReport(ctx context.Context) ([]string, error) {
	rep, err := s.Reports.Flush(ctx)
	if err != nil {
		return nil, err
	}
	return s.Reports.Encode(rep)
}

func (s *Station) putJSON(ctx context.Context, namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", namespace, err)
	}
	if err := s.KV.Put(ctx, store.Record{Namespace: namespace, Key: key, Value: data, UpdatedAt: s.now().UTC()}); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", namespace, key, err)
	}
	return nil
}

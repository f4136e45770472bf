// Package station wires the protocol components into one receiving
// station: scanned text goes in, validated and deduplicated packets come
// out to the handler registered for their type.
//
// INVARIANTS:
// - A packet reaches its handler only after validation and the replay check
// - A message is recorded in the ledger only when its handler succeeded
// - Every rejection is logged, counted and written to the audit trail
// - Ingest is serialized; one packet is processed at a time
package station

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/observability"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/replay"
	"github.com/xirs/xirs/internal/store"
)

// Handler processes one validated, first-seen packet and returns the
// outcome recorded in the replay ledger.
type Handler func(ctx context.Context, env packet.Envelope) (string, error)

// Result is what happened to one ingested payload.
type Result struct {
	Envelope  packet.Envelope
	Duplicate bool
	Outcome   string
	Err       error
}

// OK reports whether the payload was accepted, either now or earlier.
func (r Result) OK() bool {
	return r.Err == nil
}

// Pipeline validates payloads and hands them to per-type handlers.
type Pipeline struct {
	registry *packet.Registry
	guard    *replay.Guard
	audit    store.AuditLog
	logger   zerolog.Logger
	handlers map[protocol.PacketType]Handler
	mu       sync.Mutex
}

// NewPipeline creates a pipeline with no handlers. A nil audit log
// discards events.
func NewPipeline(registry *packet.Registry, guard *replay.Guard, audit store.AuditLog, logger zerolog.Logger) *Pipeline {
	if audit == nil {
		audit = store.NewMemAudit()
	}
	return &Pipeline{
		registry: registry,
		guard:    guard,
		audit:    audit,
		logger:   logger,
		handlers: make(map[protocol.PacketType]Handler),
	}
}

// Handle registers h for packets of type pt, replacing any previous handler.
func (p *Pipeline) Handle(pt protocol.PacketType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[pt] = h
}

// Accepts reports whether a handler is registered for pt.
func (p *Pipeline) Accepts(pt protocol.PacketType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[pt]
	return ok
}

// Ingest validates payload and routes it.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	env := p.registry.Dispatch(ctx, payload)
	if !env.Valid {
		observability.RecordPacket(string(env.PacketType), codeOf(env.Err))
		return p.reject(ctx, env, "", env.Err)
	}
	observability.RecordPacket(string(env.PacketType), "valid")

	messageID := env.Data.MessageID()
	_, nonce := env.Data.Stamp()
	key := replay.Key(env.PacketType, messageID)

	check, err := p.guard.Check(ctx, key, nonce)
	if err != nil {
		if check.Conflict {
			observability.RecordReplay("conflict")
			p.appendAudit(ctx, model.AuditEvent{
				EventType:  model.EventReplaySuspected,
				PacketType: env.PacketType,
				MessageID:  messageID,
				Code:       protocol.CodeNonceMismatch,
				Detail:     err.Error(),
			})
			p.logger.Warn().Str("code", string(protocol.CodeNonceMismatch)).Str("packet_type", string(env.PacketType)).
				Str("message_id", messageID).Msg("replay suspected")
			return Result{Envelope: env, Err: err}
		}
		return Result{Envelope: env, Err: fmt.Errorf("failed to check replay ledger: %w", err)}
	}
	if check.IsDuplicate {
		observability.RecordReplay("duplicate")
		p.appendAudit(ctx, model.AuditEvent{
			EventType:  model.EventIngestDuplicate,
			PacketType: env.PacketType,
			MessageID:  messageID,
			Detail:     check.PriorOutcome,
		})
		p.logger.Info().Str("packet_type", string(env.PacketType)).Str("message_id", messageID).
			Str("outcome", check.PriorOutcome).Msg("already processed")
		return Result{Envelope: env, Duplicate: true, Outcome: check.PriorOutcome}
	}

	h, ok := p.handlers[env.PacketType]
	if !ok {
		return p.reject(ctx, env, messageID, protocol.AuthzErr(protocol.CodeNotAuthorized, "type",
			fmt.Sprintf("this station does not accept %s", env.PacketType)))
	}
	outcome, err := h(ctx, env)
	if err != nil {
		// Not recorded: a failed handler leaves the message re-scannable.
		return p.reject(ctx, env, messageID, err)
	}
	if err := p.guard.Record(ctx, key, nonce, outcome); err != nil {
		return Result{Envelope: env, Err: fmt.Errorf("failed to record %s in replay ledger: %w", messageID, err)}
	}
	observability.RecordReplay("new")
	p.appendAudit(ctx, model.AuditEvent{
		EventType:  model.EventIngestAccepted,
		PacketType: env.PacketType,
		MessageID:  messageID,
		Detail:     outcome,
	})
	p.logger.Info().Str("packet_type", string(env.PacketType)).Str("message_id", messageID).
		Str("outcome", outcome).Msg("packet accepted")
	return Result{Envelope: env, Outcome: outcome}
}

func (p *Pipeline) reject(ctx context.Context, env packet.Envelope, messageID string, err error) Result {
	ev := model.AuditEvent{
		EventType:  model.EventIngestRejected,
		PacketType: env.PacketType,
		MessageID:  messageID,
		Detail:     err.Error(),
	}
	logEvent := p.logger.Warn()
	if pe, ok := protocol.AsError(err); ok {
		ev.Code = pe.Code
		logEvent = logEvent.Str("code", string(pe.Code)).Str("kind", string(pe.Kind)).Str("field", pe.Field)
		if pe.Retryable() {
			logEvent = p.logger.Info().Str("code", string(pe.Code)).Str("field", pe.Field)
		}
	}
	p.appendAudit(ctx, ev)
	logEvent.Str("packet_type", string(env.PacketType)).Str("message_id", messageID).
		Err(err).Msg("packet rejected")
	return Result{Envelope: env, Err: err}
}

func (p *Pipeline) appendAudit(ctx context.Context, ev model.AuditEvent) {
	if err := p.audit.Append(ctx, ev); err != nil {
		p.logger.Error().Err(err).Str("event_type", ev.EventType).Msg("failed to write audit event")
	}
}

func codeOf(err error) string {
	if code := protocol.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

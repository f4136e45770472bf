package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/replay"
	"github.com/xirs/xirs/internal/station"
	"github.com/xirs/xirs/internal/store"
)

const (
	reportsNamespace  = "hub_reports"
	dispenseNamespace = "hub_dispense"
)

// Ledger outcomes of Hub ingest.
const (
	OutcomeReportStored   = "REPORT_STORED"
	OutcomeDispenseStored = "DISPENSE_STORED"
)

// StoredReport is a report received from a station.
type StoredReport struct {
	Report     packet.Report `json:"report"`
	Sealed     bool          `json:"sealed"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Ingest receives station reports and dispense records at the Hub.
type Ingest struct {
	kv       store.KV
	pipeline *station.Pipeline
	now      func() time.Time
}

// NewIngest wires a pipeline that opens sealed reports with the Hub key
// and authenticates them with each station's registered secret.
func NewIngest(kv store.KV, audit store.AuditLog, issuer *Issuer, stations *Stations, cache *certs.Cache, retention time.Duration, logger zerolog.Logger) *Ingest {
	reg := packet.NewRegistry(packet.Config{
		HubSigningKey: issuer.Keys().SigningPub,
		Certs:         cache,
		Secrets:       stations.Secret,
		Open:          issuer.OpenReport,
		Now:           func() time.Time { return issuer.now() },
	})
	guard := replay.NewGuard(kv, retention)
	guard.SetClock(func() time.Time { return issuer.now() })
	in := &Ingest{
		kv:       kv,
		pipeline: station.NewPipeline(reg, guard, audit, logger),
		now:      func() time.Time { return issuer.now() },
	}
	in.pipeline.Handle(protocol.ReportPacket, in.storeReport)
	in.pipeline.Handle(protocol.DispenseRecord, in.storeDispense)
	return in
}

// Ingest validates and stores one assembled payload.
func (in *Ingest) Ingest(ctx context.Context, payload []byte) station.Result {
	return in.pipeline.Ingest(ctx, payload)
}

// NewSession starts a scan session at the Hub.
func (in *Ingest) NewSession() *station.ScanSession {
	return station.NewSession(in.pipeline)
}

// Reports returns stored reports of one station, or of all stations when
// stationID is empty, ordered by station then seq_id.
func (in *Ingest) Reports(ctx context.Context, stationID string) ([]StoredReport, error) {
	recs, err := in.kv.ListByIndex(ctx, reportsNamespace, stationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	out := make([]StoredReport, 0, len(recs))
	for _, rec := range recs {
		var sr StoredReport
		if err := json.Unmarshal(rec.Value, &sr); err != nil {
			return nil, fmt.Errorf("corrupt report %s: %w", rec.Key, err)
		}
		out = append(out, sr)
	}
	return out, nil
}

func (in *Ingest) storeReport(ctx context.Context, env packet.Envelope) (string, error) {
	rep := env.Data.(*packet.Report)
	sr := StoredReport{Report: *rep, Sealed: env.Sealed, ReceivedAt: in.now().UTC()}
	data, err := json.Marshal(sr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	// Zero-padded seq keeps one station's reports in order.
	key := fmt.Sprintf("%s/%012d/%s", rep.StationID, rep.SeqID, rep.PacketID)
	if err := in.kv.Put(ctx, store.Record{Namespace: reportsNamespace, Key: key, Index: rep.StationID, Value: data}); err != nil {
		return "", fmt.Errorf("failed to store report: %w", err)
	}
	return OutcomeReportStored, nil
}

func (in *Ingest) storeDispense(ctx context.Context, env packet.Envelope) (string, error) {
	rec := env.Data.(*packet.DispenseRecord)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dispense record: %w", err)
	}
	if err := in.kv.Put(ctx, store.Record{Namespace: dispenseNamespace, Key: rec.DispenseID, Index: rec.StationID, Value: data}); err != nil {
		return "", fmt.Errorf("failed to store dispense record: %w", err)
	}
	return OutcomeDispenseStored, nil
}

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

const stationsNamespace = "hub_stations"

// Station is a station registered at the Hub.
type Station struct {
	StationID    string               `json:"station_id"`
	StationType  protocol.StationType `json:"station_type"`
	DisplayName  string               `json:"display_name,omitempty"`
	Secret       string               `json:"secret"`
	RegisteredAt time.Time            `json:"registered_at"`
	PairedVia    model.PairingMethod  `json:"paired_via"`
}

// Stations is the Hub's registry of station secrets.
type Stations struct {
	kv store.KV
}

// NewStations creates a registry over kv.
func NewStations(kv store.KV) *Stations {
	return &Stations{kv: kv}
}

// Register stores st, replacing any earlier secret for the same id.
func (s *Stations) Register(ctx context.Context, st Station) error {
	if st.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	if !st.StationType.Valid() {
		return fmt.Errorf("unknown station type %q", st.StationType)
	}
	if _, err := trust.DecodeSecret(st.Secret); err != nil {
		return fmt.Errorf("station %s: %w", st.StationID, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal station: %w", err)
	}
	if err := s.kv.Put(ctx, store.Record{Namespace: stationsNamespace, Key: st.StationID, Index: string(st.StationType), Value: data}); err != nil {
		return fmt.Errorf("failed to register station %s: %w", st.StationID, err)
	}
	return nil
}

// Get returns a registered station or store.ErrNotFound.
func (s *Stations) Get(ctx context.Context, stationID string) (Station, error) {
	rec, err := s.kv.Get(ctx, stationsNamespace, stationID)
	if err != nil {
		return Station{}, err
	}
	var st Station
	if err := json.Unmarshal(rec.Value, &st); err != nil {
		return Station{}, fmt.Errorf("corrupt station %s: %w", stationID, err)
	}
	return st, nil
}

// Secret resolves a station secret for report verification.
func (s *Stations) Secret(ctx context.Context, stationID string) ([]byte, error) {
	st, err := s.Get(ctx, stationID)
	if err != nil {
		return nil, err
	}
	return trust.DecodeSecret(st.Secret)
}

// List returns every registered station ordered by id.
func (s *Stations) List(ctx context.Context) ([]Station, error) {
	recs, err := s.kv.ListByIndex(ctx, stationsNamespace, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}
	out := make([]Station, 0, len(recs))
	for _, rec := range recs {
		var st Station
		if err := json.Unmarshal(rec.Value, &st); err != nil {
			return nil, fmt.Errorf("corrupt station %s: %w", rec.Key, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Remove forgets a station; its reports stop verifying.
func (s *Stations) Remove(ctx context.Context, stationID string) error {
	if _, err := s.Get(ctx, stationID); errors.Is(err, store.ErrNotFound) {
		return protocol.StateErr(protocol.CodeNotFound, "station_id", fmt.Sprintf("no station %s", stationID))
	}
	return s.kv.Delete(ctx, stationsNamespace, stationID)
}

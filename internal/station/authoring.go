package station

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xirs/xirs/internal/identity"
	"github.com/xirs/xirs/internal/packet"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/store"
	"github.com/xirs/xirs/internal/trust"
)

const (
	prescriberNamespace = "prescriber"
	prescriberKey       = "key"
)

type prescriberRecord struct {
	SubjectID  string `json:"subject_id"`
	PrivateKey string `json:"private_key"`
}

// PrescriberKeygen creates the signing key a doctor writes orders with and
// returns its public half for the Hub to certify. An existing key is kept
// unless force is set.
func (s *Station) PrescriberKeygen(ctx context.Context, subjectID string, force bool) (ed25519.PublicKey, error) {
	if err := s.requireRole(protocol.StationDoctor); err != nil {
		return nil, err
	}
	if subjectID == "" {
		return nil, protocol.FormatErr(protocol.CodeMissingField, "subject_id", "prescriber id is required")
	}
	if !force {
		if _, err := s.KV.Get(ctx, prescriberNamespace, prescriberKey); err == nil {
			return nil, fmt.Errorf("a prescriber key already exists, use --force to replace it")
		}
	}
	pub, priv, err := trust.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	rec := prescriberRecord{SubjectID: subjectID, PrivateKey: trust.EncodeKey(priv)}
	if err := s.putJSON(ctx, prescriberNamespace, prescriberKey, rec); err != nil {
		return nil, err
	}
	return pub, nil
}

// WriteOrder signs an RX_ORDER with the stored prescriber key and returns
// its chunks.
func (s *Station) WriteOrder(ctx context.Context, patientRef string, priority protocol.Priority, items []packet.RxItem) (*packet.RxOrder, []string, error) {
	if err := s.requireRole(protocol.StationDoctor); err != nil {
		return nil, nil, err
	}
	rec, err := s.KV.Get(ctx, prescriberNamespace, prescriberKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, protocol.StateErr(protocol.CodeNotFound, "prescriber", "no prescriber key, run 'xirs rx keygen' first")
	}
	if err != nil {
		return nil, nil, err
	}
	var pr prescriberRecord
	if err := json.Unmarshal(rec.Value, &pr); err != nil {
		return nil, nil, fmt.Errorf("corrupt prescriber key: %w", err)
	}
	priv, err := trust.DecodePrivateSigningKey(pr.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt prescriber key: %w", err)
	}
	o, err := packet.NewRxOrder(priv, pr.SubjectID, patientRef, priority, items, s.now())
	if err != nil {
		return nil, nil, err
	}
	chunks, err := packet.Encode(s.Codec, o)
	if err != nil {
		return nil, nil, err
	}
	return o, chunks, nil
}

// IssueTicket authenticates a CONSUMPTION_TICKET with the station secret
// and returns its chunks.
func (s *Station) IssueTicket(ctx context.Context, personRef string, items []packet.LineItem) (*packet.ConsumptionTicket, []string, error) {
	if !s.Paired {
		return nil, nil, protocol.StateErr(protocol.CodeNotPaired, "station", "pair this station first")
	}
	keys, err := identity.Decode(s.Identity)
	if err != nil {
		return nil, nil, err
	}
	tk, err := packet.NewConsumptionTicket(keys.Secret, s.Identity.StationID, personRef, items, s.now())
	if err != nil {
		return nil, nil, err
	}
	chunks, err := packet.Encode(s.Codec, tk)
	if err != nil {
		return nil, nil, err
	}
	return tk, chunks, nil
}

func (s *Station) requireRole(role protocol.StationType) error {
	if !s.Paired {
		return protocol.StateErr(protocol.CodeNotPaired, "station", "pair this station first")
	}
	if s.Identity.StationType != role {
		return protocol.AuthzErr(protocol.CodeNotAuthorized, "station_type",
			fmt.Sprintf("only a %s station can do this, this one is %s", role, s.Identity.StationType))
	}
	return nil
}

package packet

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/protocol"
	"github.com/xirs/xirs/internal/trust"
)

// NewMessageID returns a fresh message id with the given prefix.
func NewMessageID(prefix string) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

func stamp(now time.Time) (int64, string, error) {
	nonce, err := trust.NewNonce()
	if err != nil {
		return 0, "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return now.Unix(), nonce, nil
}

// SignPacket sets the signature of a signed packet variant.
func SignPacket(priv ed25519.PrivateKey, p Packet) error {
	var target *string
	switch v := p.(type) {
	case *RestockManifest:
		target = &v.Signature
	case *RxOrder:
		target = &v.Signature
	case *CertUpdate:
		target = &v.Signature
	case *PairInvite:
		target = &v.Signature
	case *OfflineConfig:
		target = &v.Signature
	default:
		return fmt.Errorf("%s is not a signed packet", p.PacketType())
	}
	*target = ""
	sig, err := trust.Sign(priv, p)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", p.PacketType(), err)
	}
	*target = sig
	return nil
}

// AuthenticatePacket sets the hmac of a MAC'd packet variant.
func AuthenticatePacket(secret []byte, p Packet) error {
	var target *string
	switch v := p.(type) {
	case *ConsumptionTicket:
		target = &v.HMAC
	case *DispenseRecord:
		target = &v.HMAC
	case *Report:
		target = &v.HMAC
	default:
		return fmt.Errorf("%s is not an authenticated packet", p.PacketType())
	}
	*target = ""
	tag, err := trust.MAC(secret, p)
	if err != nil {
		return fmt.Errorf("failed to authenticate %s: %w", p.PacketType(), err)
	}
	*target = tag
	return nil
}

// Marshal returns the wire JSON of p with its type discriminator set.
func Marshal(p Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", p.PacketType(), err)
	}
	return data, nil
}

// UrgencyOf is the carrier marker a packet is chunked with. Only orders
// carry a clinical priority.
func UrgencyOf(p Packet) protocol.Urgency {
	if o, ok := p.(*RxOrder); ok {
		return o.Priority.Urgency()
	}
	return protocol.UrgencyNormal
}

// Encode marshals p and splits it into chunks.
func Encode(codec *chunk.Codec, p Packet) ([]string, error) {
	data, err := Marshal(p)
	if err != nil {
		return nil, err
	}
	return codec.Encode(p.PacketType(), data, UrgencyOf(p))
}

// EncodeSealedReport seals rep to the Hub and splits the envelope into chunks.
func EncodeSealedReport(codec *chunk.Codec, hubKey *[32]byte, rep *Report) ([]string, error) {
	envelope, err := trust.SealReport(hubKey, rep)
	if err != nil {
		return nil, err
	}
	return codec.Encode(protocol.ReportPacket, envelope, protocol.UrgencyNormal)
}

// NewRxOrder builds and signs an order with the prescriber's key.
func NewRxOrder(priv ed25519.PrivateKey, prescriberID, patientRef string, priority protocol.Priority, items []RxItem, now time.Time) (*RxOrder, error) {
	if !priority.Valid() {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "priority", fmt.Sprintf("unknown priority %q", priority))
	}
	ts, nonce, err := stamp(now)
	if err != nil {
		return nil, err
	}
	o := &RxOrder{
		Type:         protocol.RxOrder,
		Version:      protocol.Version,
		RxID:         NewMessageID("RX"),
		PrescriberID: prescriberID,
		PatientRef:   patientRef,
		Priority:     priority,
		Items:        items,
		TS:           ts,
		Nonce:        nonce,
	}
	if err := SignPacket(priv, o); err != nil {
		return nil, err
	}
	return o, nil
}

// NewConsumptionTicket builds a ticket authenticated with the station secret.
func NewConsumptionTicket(secret []byte, stationID, personRef string, items []LineItem, now time.Time) (*ConsumptionTicket, error) {
	ts, nonce, err := stamp(now)
	if err != nil {
		return nil, err
	}
	tk := &ConsumptionTicket{
		Type:      protocol.ConsumptionTicket,
		Version:   protocol.Version,
		TicketID:  NewMessageID("TK"),
		StationID: stationID,
		PersonRef: personRef,
		Items:     items,
		TS:        ts,
		Nonce:     nonce,
	}
	if err := AuthenticatePacket(secret, tk); err != nil {
		return nil, err
	}
	return tk, nil
}

// NewReport builds a report authenticated with the station secret. seq
// must grow with every report the station emits.
func NewReport(secret []byte, stationID string, seq int64, manifestID string, actions []Action, now time.Time) (*Report, error) {
	ts, nonce, err := stamp(now)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		Type:       protocol.ReportPacket,
		Version:    protocol.Version,
		PacketID:   NewMessageID("RPT"),
		StationID:  stationID,
		ManifestID: manifestID,
		SeqID:      seq,
		Actions:    actions,
		TS:         ts,
		Nonce:      nonce,
	}
	if err := AuthenticatePacket(secret, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// ReceiveActions turns a manifest into the RECEIVE actions that
// acknowledge it.
func ReceiveActions(m *RestockManifest, at time.Time) []Action {
	actions := make([]Action, 0, len(m.Items))
	for _, it := range m.Items {
		actions = append(actions, Action{
			Type:     ActionReceive,
			ItemCode: it.Code,
			Qty:      it.Qty,
			Unit:     it.Unit,
			TS:       at.Unix(),
		})
	}
	return actions
}

// DispenseInput is what a pharmacist supplies when filling an order.
type DispenseInput struct {
	RxID        string
	StationID   string
	DispensedBy string
	WitnessID   string
	Items       []DispensedItem
}

// DispensedFromOrder copies the lines of an order as dispensed items.
func DispensedFromOrder(o *RxOrder) []DispensedItem {
	items := make([]DispensedItem, 0, len(o.Items))
	for _, it := range o.Items {
		d := DispensedItem{Code: it.Code, Qty: it.Qty, Unit: it.Unit, DurationDays: it.DurationDays}
		if it.Controlled {
			d.Schedule = it.Schedule
		}
		items = append(items, d)
	}
	return items
}

// CheckDispenseRules enforces the witness and supply limits of every
// scheduled item.
func CheckDispenseRules(items []DispensedItem, witnessID string, schedules ControlledSchedules) error {
	if len(items) == 0 {
		return protocol.FormatErr(protocol.CodeMissingField, "items", "nothing dispensed")
	}
	for i, it := range items {
		if it.Schedule == "" {
			continue
		}
		field := fmt.Sprintf("items[%d]", i)
		rule, ok := schedules.Rule(it.Schedule)
		if !ok {
			return protocol.FormatErr(protocol.CodeInvalidField, field+".schedule",
				fmt.Sprintf("unknown schedule %q", it.Schedule))
		}
		if rule.WitnessRequired && strings.TrimSpace(witnessID) == "" {
			return protocol.AuthzErr(protocol.CodeWitnessRequired, "witness_id",
				fmt.Sprintf("schedule %s item %s needs a witness", it.Schedule, it.Code))
		}
		if rule.MaxSupplyDays > 0 && it.DurationDays > rule.MaxSupplyDays {
			return protocol.AuthzErr(protocol.CodeSupplyLimitExceeded, field+".duration_days",
				fmt.Sprintf("schedule %s allows at most %d days, got %d", it.Schedule, rule.MaxSupplyDays, it.DurationDays))
		}
	}
	return nil
}

// BuildDispenseRecord checks the dispensing rules and returns an
// authenticated record. Nothing is signed when a rule fails.
func BuildDispenseRecord(in DispenseInput, secret []byte, schedules ControlledSchedules, now time.Time) (*DispenseRecord, error) {
	if in.RxID == "" {
		return nil, protocol.FormatErr(protocol.CodeMissingField, "rx_id", "rx_id is required")
	}
	if in.DispensedBy == "" {
		return nil, protocol.FormatErr(protocol.CodeMissingField, "dispensed_by", "dispenser is required")
	}
	if len(secret) == 0 {
		return nil, protocol.StateErr(protocol.CodeNotPaired, "hmac", "station secret unavailable, pair this station first")
	}
	if schedules == nil {
		schedules = DefaultSchedules()
	}
	if err := CheckDispenseRules(in.Items, in.WitnessID, schedules); err != nil {
		return nil, err
	}

	ts, nonce, err := stamp(now)
	if err != nil {
		return nil, err
	}
	rec := &DispenseRecord{
		Type:        protocol.DispenseRecord,
		Version:     protocol.Version,
		DispenseID:  NewMessageID("DSP"),
		RxID:        in.RxID,
		StationID:   in.StationID,
		DispensedBy: in.DispensedBy,
		WitnessID:   strings.TrimSpace(in.WitnessID),
		Items:       in.Items,
		TS:          ts,
		Nonce:       nonce,
	}
	if err := AuthenticatePacket(secret, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Package packet defines the eight packet variants of the exchange and the
// registry that validates an assembled payload into one of them.
//
// INVARIANTS:
// - Packet is a closed union; only this package can add variants
// - Trust is verified on the exact received fields before typed decoding
// - A packet that fails any check is never returned as valid
package packet

import (
	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/protocol"
)

// Packet is one validated, typed packet.
type Packet interface {
	PacketType() protocol.PacketType
	// MessageID is the identifier the replay ledger keys on.
	MessageID() string
	Stamp() (ts int64, nonce string)
	packet()
}

// LineItem is a quantity of one supply item.
type LineItem struct {
	Code string `json:"code"`
	Qty  int    `json:"qty"`
	Unit string `json:"unit"`
}

// RestockManifest is a Hub-signed shipment to a supply station.
type RestockManifest struct {
	Type       protocol.PacketType `json:"type"`
	Version    string              `json:"version"`
	ManifestID string              `json:"manifest_id"`
	ShortCode  string              `json:"short_code"`
	StationID  string              `json:"station_id"`
	Items      []LineItem          `json:"items"`
	TS         int64               `json:"ts"`
	Nonce      string              `json:"nonce"`
	Signature  string              `json:"signature,omitempty"`
}

// RxItem is one prescribed medication line.
type RxItem struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Qty          int    `json:"qty"`
	Unit         string `json:"unit"`
	Dose         string `json:"dose,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
	Controlled   bool   `json:"controlled,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
}

// RxOrder is a prescription signed by a certified prescriber.
type RxOrder struct {
	Type         protocol.PacketType `json:"type"`
	Version      string              `json:"version"`
	RxID         string              `json:"rx_id"`
	PrescriberID string              `json:"prescriber_id"`
	PatientRef   string              `json:"patient_ref"`
	Priority     protocol.Priority   `json:"priority"`
	Items        []RxItem            `json:"items"`
	Diagnosis    string              `json:"diagnosis,omitempty"`
	Note         string              `json:"note,omitempty"`
	TS           int64               `json:"ts"`
	Nonce        string              `json:"nonce"`
	Signature    string              `json:"signature,omitempty"`
}

// HasControlled reports whether any item is a controlled substance.
func (o *RxOrder) HasControlled() bool {
	for _, it := range o.Items {
		if it.Controlled {
			return true
		}
	}
	return false
}

// ConsumptionTicket is a self-authenticating receipt of consumed supplies.
type ConsumptionTicket struct {
	Type      protocol.PacketType `json:"type"`
	Version   string              `json:"version"`
	TicketID  string              `json:"ticket_id"`
	StationID string              `json:"station_id"`
	PersonRef string              `json:"person_ref,omitempty"`
	Items     []LineItem          `json:"items"`
	TS        int64               `json:"ts"`
	Nonce     string              `json:"nonce"`
	HMAC      string              `json:"hmac,omitempty"`
}

// CertUpdate distributes prescriber certificates and revocations.
type CertUpdate struct {
	Type      protocol.PacketType `json:"type"`
	Version   string              `json:"version"`
	UpdateID  string              `json:"update_id"`
	Certs     []model.Certificate `json:"certs"`
	Revoked   []string            `json:"revoked"`
	TS        int64               `json:"ts"`
	Nonce     string              `json:"nonce"`
	Signature string              `json:"signature,omitempty"`
}

// DispensedItem is one line actually handed out.
type DispensedItem struct {
	Code         string `json:"code"`
	Qty          int    `json:"qty"`
	Unit         string `json:"unit"`
	Schedule     string `json:"schedule,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
}

// DispenseRecord is built by a pharmacy when an order is filled.
type DispenseRecord struct {
	Type        protocol.PacketType `json:"type"`
	Version     string              `json:"version"`
	DispenseID  string              `json:"dispense_id"`
	RxID        string              `json:"rx_id"`
	StationID   string              `json:"station_id"`
	DispensedBy string              `json:"dispensed_by"`
	WitnessID   string              `json:"witness_id,omitempty"`
	Items       []DispensedItem     `json:"items"`
	TS          int64               `json:"ts"`
	Nonce       string              `json:"nonce"`
	HMAC        string              `json:"hmac,omitempty"`
}

// ActionType classifies a report action.
type ActionType string

const (
	ActionDispense ActionType = "DISPENSE"
	ActionReceive  ActionType = "RECEIVE"
	ActionRegister ActionType = "REGISTER"
)

// Action is one logged station event in a report.
type Action struct {
	Type     ActionType `json:"type"`
	ItemCode string     `json:"item_code,omitempty"`
	Qty      int        `json:"qty,omitempty"`
	Unit     string     `json:"unit,omitempty"`
	PersonID string     `json:"person_id,omitempty"`
	TS       int64      `json:"ts"`
}

// Report carries station activity to the Hub. It travels sealed.
type Report struct {
	Type       protocol.PacketType `json:"type"`
	Version    string              `json:"version"`
	PacketID   string              `json:"packet_id"`
	StationID  string              `json:"station_id"`
	ManifestID string              `json:"manifest_id,omitempty"`
	SeqID      int64               `json:"seq_id"`
	Actions    []Action            `json:"actions"`
	TS         int64               `json:"ts"`
	Nonce      string              `json:"nonce"`
	HMAC       string              `json:"hmac,omitempty"`
}

// PairInvite tells a new device where and how to pair.
type PairInvite struct {
	Type        protocol.PacketType  `json:"type"`
	Ver         int                  `json:"ver"`
	HubURL      string               `json:"hub_url"`
	PairingCode string               `json:"pairing_code"`
	StationID   string               `json:"station_id"`
	StationType protocol.StationType `json:"station_type"`
	ExpiresAt   int64                `json:"expires_at"`
	TS          int64                `json:"ts"`
	Nonce       string               `json:"nonce"`
	Signature   string               `json:"signature,omitempty"`
}

// OfflineConfig is a Hub-signed identity bundle for devices that cannot
// reach the Hub.
type OfflineConfig struct {
	Type             protocol.PacketType  `json:"type"`
	Version          string               `json:"version"`
	ConfigID         string               `json:"config_id"`
	StationID        string               `json:"station_id"`
	StationType      protocol.StationType `json:"station_type"`
	DisplayName      string               `json:"display_name"`
	StationSecret    string               `json:"station_secret"`
	HubSigningKey    string               `json:"hub_signing_key"`
	HubEncryptionKey string               `json:"hub_encryption_key"`
	PrescriberCerts  []model.Certificate  `json:"prescriber_certs,omitempty"`
	ExpiresAt        int64                `json:"expires_at"`
	TS               int64                `json:"ts"`
	Nonce            string               `json:"nonce"`
	Signature        string               `json:"signature,omitempty"`
}

func (p *RestockManifest) PacketType() protocol.PacketType   { return protocol.RestockManifest }
func (p *RxOrder) PacketType() protocol.PacketType           { return protocol.RxOrder }
func (p *ConsumptionTicket) PacketType() protocol.PacketType { return protocol.ConsumptionTicket }
func (p *CertUpdate) PacketType() protocol.PacketType        { return protocol.CertUpdate }
func (p *DispenseRecord) PacketType() protocol.PacketType    { return protocol.DispenseRecord }
func (p *Report) PacketType() protocol.PacketType            { return protocol.ReportPacket }
func (p *PairInvite) PacketType() protocol.PacketType        { return protocol.StationPairInvite }
func (p *OfflineConfig) PacketType() protocol.PacketType     { return protocol.StationConfigOffline }

func (p *RestockManifest) MessageID() string   { return p.ManifestID }
func (p *RxOrder) MessageID() string           { return p.RxID }
func (p *ConsumptionTicket) MessageID() string { return p.TicketID }
func (p *CertUpdate) MessageID() string        { return p.UpdateID }
func (p *DispenseRecord) MessageID() string    { return p.DispenseID }
func (p *Report) MessageID() string            { return p.PacketID }
func (p *PairInvite) MessageID() string        { return p.PairingCode }
func (p *OfflineConfig) MessageID() string     { return p.ConfigID }

func (p *RestockManifest) Stamp() (int64, string)   { return p.TS, p.Nonce }
func (p *RxOrder) Stamp() (int64, string)           { return p.TS, p.Nonce }
func (p *ConsumptionTicket) Stamp() (int64, string) { return p.TS, p.Nonce }
func (p *CertUpdate) Stamp() (int64, string)        { return p.TS, p.Nonce }
func (p *DispenseRecord) Stamp() (int64, string)    { return p.TS, p.Nonce }
func (p *Report) Stamp() (int64, string)            { return p.TS, p.Nonce }
func (p *PairInvite) Stamp() (int64, string)        { return p.TS, p.Nonce }
func (p *OfflineConfig) Stamp() (int64, string)     { return p.TS, p.Nonce }

func (*RestockManifest) packet()   {}
func (*RxOrder) packet()           {}
func (*ConsumptionTicket) packet() {}
func (*CertUpdate) packet()        {}
func (*DispenseRecord) packet()    {}
func (*Report) packet()            {}
func (*PairInvite) packet()        {}
func (*OfflineConfig) packet()     {}

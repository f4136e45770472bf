package protocol

import "strings"

// Version is the packet schema version stamped on every issued packet.
const Version = "1.8"

// PacketType is the discriminator of an assembled packet.
type PacketType string

const (
	RestockManifest      PacketType = "RESTOCK_MANIFEST"
	RxOrder              PacketType = "RX_ORDER"
	ConsumptionTicket    PacketType = "CONSUMPTION_TICKET"
	CertUpdate           PacketType = "CERT_UPDATE"
	DispenseRecord       PacketType = "DISPENSE_RECORD"
	ReportPacket         PacketType = "REPORT_PACKET"
	StationPairInvite    PacketType = "STATION_PAIR_INVITE"
	StationConfigOffline PacketType = "STATION_CONFIG_OFFLINE"
)

// AllPacketTypes lists every packet type in a stable order.
var AllPacketTypes = []PacketType{
	RestockManifest,
	RxOrder,
	ConsumptionTicket,
	CertUpdate,
	DispenseRecord,
	ReportPacket,
	StationPairInvite,
	StationConfigOffline,
}

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	for _, known := range AllPacketTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParsePacketType converts s to a known packet type.
func ParsePacketType(s string) (PacketType, bool) {
	t := PacketType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// StationType is the role a paired device plays.
type StationType string

const (
	StationSupply   StationType = "SUPPLY"
	StationPharmacy StationType = "PHARMACY"
	StationDoctor   StationType = "DOCTOR"
	StationRunner   StationType = "RUNNER"
	StationHub      StationType = "HUB"
)

// Valid reports whether s is a known station type.
func (s StationType) Valid() bool {
	switch s {
	case StationSupply, StationPharmacy, StationDoctor, StationRunner, StationHub:
		return true
	}
	return false
}

// Urgency is the plaintext marker a sender may attach to the chunk type
// segment. It is the only thing a blind carrier learns about a packet.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyNormal   Urgency = "NORMAL"
)

// Rank orders urgencies, lower first. Unknown urgencies rank as NORMAL.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyHigh:
		return 1
	}
	return 2
}

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	return u == UrgencyCritical || u == UrgencyHigh || u == UrgencyNormal
}

// Priority is the clinical priority of a prescription order.
type Priority string

const (
	PriorityStat    Priority = "STAT"
	PriorityUrgent  Priority = "URGENT"
	PriorityRoutine Priority = "ROUTINE"
)

// Rank orders priorities, lower first.
func (p Priority) Rank() int {
	switch p {
	case PriorityStat:
		return 0
	case PriorityUrgent:
		return 1
	}
	return 2
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityStat || p == PriorityUrgent || p == PriorityRoutine
}

// Urgency maps a clinical priority onto the carrier urgency marker.
func (p Priority) Urgency() Urgency {
	switch p {
	case PriorityStat:
		return UrgencyCritical
	case PriorityUrgent:
		return UrgencyHigh
	}
	return UrgencyNormal
}

// Pairing codes are short, single-use and typed by hand, so the alphabet
// drops characters that are easily confused (0/O, 1/I).
const (
	PairingAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	PairingCodeLength = 6
)

// NormalizePairingCode upper-cases code and strips spaces and dashes.
func NormalizePairingCode(code string) string {
	code = strings.ToUpper(code)
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}

// ValidPairingCode reports whether code is a well-formed pairing code.
func ValidPairingCode(code string) bool {
	if len(code) != PairingCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(PairingAlphabet, r) {
			return false
		}
	}
	return true
}

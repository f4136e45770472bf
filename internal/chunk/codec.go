// Package chunk implements the QR chunk wire format.
//
// A logical message is base64-encoded and split into chunks of the form
//
//	xIRS2|<TYPE>[:<URGENCY>]|<SEQ>/<TOTAL>|<FRAGMENT>|<CRC32>
//
// The legacy form xIRS|<SEQ>/<TOTAL>|<FRAGMENT> (no type, no checksum) is
// still accepted on input.
//
// INVARIANTS:
// - Every chunk, framing included, fits the configured character budget
// - A payload exceeding its type's chunk limit produces zero chunks
// - Parse never panics; every failure is a *protocol.Error
// - The checksum detects scan corruption only; it is not a security control
package chunk

import (
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/xirs/xirs/internal/protocol"
)

const (
	// Tag marks the current chunk format.
	Tag = "xIRS2"
	// LegacyTag marks the checksum-less format.
	LegacyTag = "xIRS"

	// DefaultBudget is the maximum characters per chunk, framing included.
	DefaultBudget = 800

	checksumLen = 8
	sep         = "|"
)

// DefaultMaxChunks is the per-type chunk limit used when none is configured.
var DefaultMaxChunks = map[protocol.PacketType]int{
	protocol.RxOrder:              4,
	protocol.RestockManifest:      10,
	protocol.ConsumptionTicket:    4,
	protocol.CertUpdate:           20,
	protocol.DispenseRecord:       4,
	protocol.ReportPacket:         20,
	protocol.StationPairInvite:    1,
	protocol.StationConfigOffline: 4,
}

// Codec encodes payloads into chunks under a budget and per-type limits.
type Codec struct {
	budget    int
	maxChunks map[protocol.PacketType]int
}

// NewCodec creates a codec. A zero budget selects DefaultBudget; limits
// override DefaultMaxChunks per type.
func NewCodec(budget int, limits map[protocol.PacketType]int) *Codec {
	if budget <= 0 {
		budget = DefaultBudget
	}
	byType := make(map[protocol.PacketType]int, len(DefaultMaxChunks))
	for t, n := range DefaultMaxChunks {
		byType[t] = n
	}
	for t, n := range limits {
		if n > 0 {
			byType[t] = n
		}
	}
	return &Codec{budget: budget, maxChunks: byType}
}

// Default returns a codec with the default budget and limits.
func Default() *Codec {
	return NewCodec(0, nil)
}

// Budget returns the per-chunk character budget.
func (c *Codec) Budget() int {
	return c.budget
}

// MaxChunks returns the chunk limit for a packet type.
func (c *Codec) MaxChunks(pt protocol.PacketType) int {
	return c.maxChunks[pt]
}

// Capacity returns how many base64 characters fit in one chunk of pt.
// The framing overhead is computed for the widest sequence numbers the
// type's limit allows so every chunk of a message fits the budget.
func (c *Codec) Capacity(pt protocol.PacketType, urgency protocol.Urgency) int {
	digits := len(strconv.Itoa(c.maxChunks[pt]))
	overhead := len(Tag) + len(sep) +
		len(typeSegment(pt, urgency)) + len(sep) +
		digits + 1 + digits + len(sep) +
		len(sep) + checksumLen
	return c.budget - overhead
}

// Encode splits payload into chunk strings ready to render as QR codes.
// An empty urgency omits the marker.
func (c *Codec) Encode(pt protocol.PacketType, payload []byte, urgency protocol.Urgency) ([]string, error) {
	if !pt.Valid() {
		return nil, protocol.FormatErr(protocol.CodeUnknownPacketType, "type", string(pt))
	}
	if urgency != "" && !urgency.Valid() {
		return nil, protocol.FormatErr(protocol.CodeInvalidField, "urgency", string(urgency))
	}
	if len(payload) == 0 {
		return nil, protocol.FormatErr(protocol.CodeMalformedPayload, "payload", "empty payload")
	}

	capacity := c.Capacity(pt, urgency)
	if capacity <= 0 {
		return nil, &protocol.Error{
			Kind:   protocol.KindCapacity,
			Code:   protocol.CodePayloadTooLarge,
			Detail: fmt.Sprintf("chunk budget %d leaves no room for payload", c.budget),
		}
	}

	b64 := base64.StdEncoding.EncodeToString(payload)
	total := (len(b64) + capacity - 1) / capacity
	if limit := c.maxChunks[pt]; total > limit {
		return nil, &protocol.Error{
			Kind:   protocol.KindCapacity,
			Code:   protocol.CodePayloadTooLarge,
			Field:  string(pt),
			Detail: fmt.Sprintf("payload needs %d chunks, limit is %d", total, limit),
		}
	}

	segment := typeSegment(pt, urgency)
	chunks := make([]string, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(b64) {
			end = len(b64)
		}
		frag := b64[start:end]
		chunks = append(chunks, fmt.Sprintf("%s|%s|%d/%d|%s|%s",
			Tag, segment, i+1, total, frag, Checksum(frag)))
	}
	return chunks, nil
}

// Checksum returns the CRC-32 (IEEE) of a fragment as 8 lowercase hex chars.
func Checksum(fragment string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(fragment)))
}

func typeSegment(pt protocol.PacketType, urgency protocol.Urgency) string {
	if urgency == "" {
		return string(pt)
	}
	return string(pt) + ":" + string(urgency)
}

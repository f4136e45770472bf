package chunk

import (
	"strconv"
	"strings"

	"github.com/xirs/xirs/internal/protocol"
)

// maxTotal bounds the declared chunk count of any message.
const maxTotal = 999

// Chunk is one parsed QR fragment.
type Chunk struct {
	Type     protocol.PacketType // empty for legacy chunks
	Urgency  protocol.Urgency    // empty when no marker was sent
	Seq      int
	Total    int
	Fragment string
	Checksum string
	Legacy   bool
}

// Parse decodes one scanned chunk. Failures are *protocol.Error values:
// UNKNOWN_FORMAT when the text is not ours, MALFORMED_CHUNK when the
// framing is broken and CHECKSUM_MISMATCH when the fragment is corrupt.
func Parse(text string) (Chunk, error) {
	text = strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(text, Tag+sep):
		return parseCurrent(text)
	case strings.HasPrefix(text, LegacyTag+sep):
		return parseLegacy(text)
	}
	return Chunk{}, protocol.FormatErr(protocol.CodeUnknownFormat, "tag", "not an xIRS chunk")
}

func parseCurrent(text string) (Chunk, error) {
	parts := strings.Split(text, sep)
	if len(parts) != 5 {
		return Chunk{}, malformed("framing", "expected 5 fields, got %d", len(parts))
	}

	var c Chunk
	typeSeg := parts[1]
	typeName, urgency, hasUrgency := strings.Cut(typeSeg, ":")
	pt := protocol.PacketType(typeName)
	if !pt.Valid() {
		return Chunk{}, protocol.FormatErr(protocol.CodeUnknownPacketType, "type", typeName)
	}
	c.Type = pt
	if hasUrgency {
		u := protocol.Urgency(urgency)
		if !u.Valid() {
			return Chunk{}, malformed("urgency", "unknown urgency %q", urgency)
		}
		c.Urgency = u
	}

	seq, total, err := parseSeq(parts[2])
	if err != nil {
		return Chunk{}, err
	}
	c.Seq, c.Total = seq, total

	frag := parts[3]
	if err := checkFragment(frag); err != nil {
		return Chunk{}, err
	}
	c.Fragment = frag

	sum := parts[4]
	if len(sum) != checksumLen || !isHex(sum) {
		return Chunk{}, malformed("checksum", "checksum must be %d hex chars", checksumLen)
	}
	c.Checksum = strings.ToLower(sum)
	if Checksum(frag) != c.Checksum {
		return Chunk{}, &protocol.Error{
			Kind:   protocol.KindIntegrity,
			Code:   protocol.CodeChecksumMismatch,
			Field:  "checksum",
			Detail: "chunk " + parts[2] + " is corrupt, scan again",
		}
	}
	return c, nil
}

func parseLegacy(text string) (Chunk, error) {
	parts := strings.Split(text, sep)
	if len(parts) != 3 {
		return Chunk{}, malformed("framing", "expected 3 fields, got %d", len(parts))
	}
	seq, total, err := parseSeq(parts[1])
	if err != nil {
		return Chunk{}, err
	}
	if err := checkFragment(parts[2]); err != nil {
		return Chunk{}, err
	}
	return Chunk{Seq: seq, Total: total, Fragment: parts[2], Legacy: true}, nil
}

func parseSeq(s string) (int, int, error) {
	seqStr, totalStr, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, malformed("sequence", "expected SEQ/TOTAL, got %q", s)
	}
	seq, err := parseBounded(seqStr)
	if err != nil {
		return 0, 0, malformed("sequence", "bad sequence %q", seqStr)
	}
	total, err := parseBounded(totalStr)
	if err != nil {
		return 0, 0, malformed("total", "bad total %q", totalStr)
	}
	if seq < 1 || seq > total {
		return 0, 0, malformed("sequence", "sequence %d outside 1..%d", seq, total)
	}
	return seq, total, nil
}

func parseBounded(s string) (int, error) {
	if s == "" || len(s) > 3 {
		return 0, strconv.ErrRange
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > maxTotal {
		return 0, strconv.ErrRange
	}
	return n, nil
}

func checkFragment(frag string) error {
	if frag == "" {
		return malformed("fragment", "empty fragment")
	}
	for i := 0; i < len(frag); i++ {
		b := frag[i]
		switch {
		case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9',
			b == '+', b == '/', b == '=':
		default:
			return malformed("fragment", "invalid base64 character at offset %d", i)
		}
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

func malformed(field, format string, args ...any) *protocol.Error {
	return protocol.Newf(protocol.KindFormat, protocol.CodeMalformedChunk, field, format, args...)
}

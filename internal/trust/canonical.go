// Package trust provides the three authenticity mechanisms of the exchange:
// HMAC-SHA256 tags under a per-station secret, Ed25519 signatures, and
// anonymous sealed boxes for reports bound for the Hub.
//
// INVARIANTS:
// - Signed and tagged forms are the canonical JSON of the record with the
//   authentication field removed
// - Verification never panics; it returns a Result
// - Primitive cryptography comes from the Go standard library and x/crypto
package trust

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Authentication field names.
const (
	MACField       = "hmac"
	SignatureField = "signature"
)

// Canonicalize returns the deterministic byte form of record: keys sorted at
// every depth, compact separators, numbers kept verbatim, HTML escaping off,
// with the named top-level fields removed.
//
// record may be a struct, a map or raw JSON bytes.
func Canonicalize(record any, exclude ...string) ([]byte, error) {
	var raw []byte
	switch v := record.(type) {
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal record: %w", err)
		}
		raw = b
	}

	var generic any
	if err := decodeOne(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	if obj, ok := generic.(map[string]any); ok {
		for _, field := range exclude {
			delete(obj, field)
		}
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeObject parses JSON into a map, keeping numbers verbatim.
func DecodeObject(raw []byte) (map[string]any, error) {
	var obj map[string]any
	if err := decodeOne(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	return obj, nil
}

// decodeOne decodes exactly one JSON value from raw, keeping numbers
// verbatim. Anything but whitespace after the value is an error.
func decodeOne(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after the JSON value")
	}
	return nil
}

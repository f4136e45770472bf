package trust

import (
	"bytes"
	"compress/zlib"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/xirs/xirs/internal/protocol"
)

// EncryptedReportType is the envelope discriminator of a sealed report.
const EncryptedReportType = "ENCRYPTED_REPORT"

// maxOpenedSize bounds decompressed plaintext.
const maxOpenedSize = 1 << 20

// SealedEnvelope wraps a sealed payload for transport.
type SealedEnvelope struct {
	Type       string `json:"type"`
	Version    string `json:"version"`
	Payload    string `json:"payload"`
	Compressed bool   `json:"compressed"`
}

// Seal compresses plaintext and encrypts it to recipient with an anonymous
// sealed box. Only the holder of the matching private key can open it.
func Seal(recipient *[32]byte, plaintext []byte) ([]byte, error) {
	if recipient == nil {
		return nil, fmt.Errorf("no recipient key")
	}
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}

	sealed, err := box.SealAnonymous(nil, compressed.Bytes(), recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return sealed, nil
}

// Open decrypts a sealed box and decompresses the result.
func Open(pub, priv *[32]byte, sealed []byte) ([]byte, error) {
	if pub == nil || priv == nil {
		return nil, protocol.TrustErr(protocol.CodeKeyInvalid, "payload", "no decryption key")
	}
	compressed, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, protocol.TrustErr(protocol.CodeDecryptFailed, "payload", "sealed box did not open with this key")
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, protocol.FormatErr(protocol.CodeMalformedPayload, "payload", "sealed content is not compressed")
	}
	defer zr.Close()

	plain, err := io.ReadAll(io.LimitReader(zr, maxOpenedSize+1))
	if err != nil {
		return nil, protocol.FormatErr(protocol.CodeMalformedPayload, "payload", "failed to decompress sealed content")
	}
	if len(plain) > maxOpenedSize {
		return nil, protocol.FormatErr(protocol.CodeMalformedPayload, "payload", "sealed content too large")
	}
	return plain, nil
}

// SealReport seals record to the Hub and returns the envelope JSON.
func SealReport(hubKey *[32]byte, record any) ([]byte, error) {
	plain, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	sealed, err := Seal(hubKey, plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SealedEnvelope{
		Type:       EncryptedReportType,
		Version:    protocol.Version,
		Payload:    base64.StdEncoding.EncodeToString(sealed),
		Compressed: true,
	})
}

// IsSealedEnvelope reports whether raw looks like an ENCRYPTED_REPORT.
func IsSealedEnvelope(raw []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == EncryptedReportType
}

// OpenReport opens an ENCRYPTED_REPORT envelope and returns the inner JSON.
func OpenReport(pub, priv *[32]byte, envelope []byte) ([]byte, error) {
	var env SealedEnvelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		return nil, protocol.FormatErr(protocol.CodeMalformedPayload, "envelope", "envelope is not JSON")
	}
	if env.Type != EncryptedReportType {
		return nil, protocol.FormatErr(protocol.CodeUnknownPacketType, "type", env.Type)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, protocol.FormatErr(protocol.CodeMalformedPayload, "payload", "payload is not base64")
	}
	return Open(pub, priv, sealed)
}

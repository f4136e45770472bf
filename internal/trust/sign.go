package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/xirs/xirs/internal/protocol"
)

// Sign returns the base64 Ed25519 signature of record's canonical form,
// excluding the signature field.
func Sign(priv ed25519.PrivateKey, record any) (string, error) {
	return SignExcluding(priv, record, SignatureField)
}

// SignExcluding signs record with the named fields removed.
func SignExcluding(priv ed25519.PrivateKey, record any, exclude ...string) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid signing key length %d", len(priv))
	}
	canonical, err := Canonicalize(record, exclude...)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical)), nil
}

// VerifySignature checks the signature field of record against pub.
func VerifySignature(pub ed25519.PublicKey, record map[string]any) Result {
	claimed, _ := record[SignatureField].(string)
	return VerifyExcluding(pub, record, claimed, SignatureField)
}

// VerifyExcluding checks sig over record with the named fields removed.
func VerifyExcluding(pub ed25519.PublicKey, record any, sig string, exclude ...string) Result {
	field := SignatureField
	if len(exclude) > 0 {
		field = exclude[0]
	}
	if len(pub) != ed25519.PublicKeySize {
		return fail(protocol.CodeUnknownSigner, field, "no valid public key for signer")
	}
	if sig == "" {
		return fail(protocol.CodeSignatureInvalid, field, "signature missing")
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return fail(protocol.CodeSignatureInvalid, field, "signature is malformed")
	}
	canonical, err := Canonicalize(record, exclude...)
	if err != nil {
		return fail(protocol.CodeSignatureInvalid, field, err.Error())
	}
	if !ed25519.Verify(pub, canonical, raw) {
		return fail(protocol.CodeSignatureInvalid, field, "signature does not match record contents")
	}
	return ok()
}

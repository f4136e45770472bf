package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/xirs/xirs/internal/protocol"
)

// SecretSize is the length of a station secret in bytes.
const SecretSize = 32

// MAC returns the base64 HMAC-SHA256 tag of record's canonical form.
// Any existing hmac field is ignored.
func MAC(secret []byte, record any) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("empty secret")
	}
	canonical, err := Canonicalize(record, MACField)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(tag(secret, canonical)), nil
}

// VerifyMAC checks the hmac field of record against secret.
func VerifyMAC(secret []byte, record map[string]any) Result {
	if len(secret) == 0 {
		return fail(protocol.CodeKeyInvalid, MACField, "no shared secret available")
	}
	claimed, isStr := record[MACField].(string)
	if !isStr || claimed == "" {
		return fail(protocol.CodeMACInvalid, MACField, "hmac field missing")
	}
	got, err := base64.StdEncoding.DecodeString(claimed)
	if err != nil {
		return fail(protocol.CodeMACInvalid, MACField, "hmac is not base64")
	}
	canonical, err := Canonicalize(record, MACField)
	if err != nil {
		return fail(protocol.CodeMACInvalid, MACField, err.Error())
	}
	if !hmac.Equal(got, tag(secret, canonical)) {
		return fail(protocol.CodeMACInvalid, MACField, "hmac does not match record contents")
	}
	return ok()
}

func tag(secret, msg []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(msg)
	return m.Sum(nil)
}

// Authenticate sets the hmac field of fields in place.
func Authenticate(secret []byte, fields map[string]any) error {
	tag, err := MAC(secret, fields)
	if err != nil {
		return err
	}
	fields[MACField] = tag
	return nil
}

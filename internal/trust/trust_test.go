package trust

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/xirs/xirs/internal/protocol"
)

func TestCanonicalize_OrderIndependent(t *testing.T) {
	a := []byte(`{"b":2,"a":{"y":[3,1],"x":"<tag>"},"signature":"zzz"}`)
	b := []byte(`{"a":{"x":"<tag>","y":[3,1]},"signature":"other","b":2}`)

	ca, err := Canonicalize(a, SignatureField)
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	cb, err := Canonicalize(b, SignatureField)
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("expected identical canonical forms:\n%s\n%s", ca, cb)
	}
	want := `{"a":{"x":"<tag>","y":[3,1]},"b":2}`
	if string(ca) != want {
		t.Errorf("expected %s, got %s", want, ca)
	}
}

func TestCanonicalize_PreservesNumbers(t *testing.T) {
	got, err := Canonicalize([]byte(`{"qty":10.50,"big":12345678901234567890}`))
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	want := `{"big":12345678901234567890,"qty":10.50}`
	if string(got) != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCanonicalize_RejectsTrailingData(t *testing.T) {
	for _, in := range []string{`{"a":1}garbage`, `{"a":1}{"b":2}`, `{"a":1}}`} {
		if _, err := Canonicalize([]byte(in)); err == nil {
			t.Errorf("Canonicalize(%s) should fail", in)
		}
		if _, err := DecodeObject([]byte(in)); err == nil {
			t.Errorf("DecodeObject(%s) should fail", in)
		}
	}
	if _, err := DecodeObject([]byte("{\"a\":1}\n")); err != nil {
		t.Errorf("trailing whitespace should be accepted, got %v", err)
	}
}

func TestSign_DetectsAnyChange(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	record := map[string]any{"manifest_id": "M-1", "station_id": "S-1", "qty": 5}
	sig, err := Sign(priv, record)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	record["signature"] = sig
	raw, _ := json.Marshal(record)

	obj, _ := DecodeObject(raw)
	if r := VerifySignature(pub, obj); !r.Valid {
		t.Fatalf("expected valid signature, got %+v", r)
	}

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"changed", func(m map[string]any) { m["qty"] = json.Number("6") }},
		{"added", func(m map[string]any) { m["extra"] = "x" }},
		{"removed", func(m map[string]any) { delete(m, "station_id") }},
		{"no signature", func(m map[string]any) { delete(m, "signature") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, _ := DecodeObject(raw)
			tt.mutate(obj)
			r := VerifySignature(pub, obj)
			if r.Valid {
				t.Fatal("expected verification failure")
			}
			if r.Code != protocol.CodeSignatureInvalid {
				t.Errorf("expected SIGNATURE_INVALID, got %s", r.Code)
			}
		})
	}

	otherPub, _, _ := GenerateSigningKey()
	if r := VerifySignature(otherPub, obj); r.Valid {
		t.Error("signature should not verify under another key")
	}
	if r := VerifySignature(nil, obj); r.Code != protocol.CodeUnknownSigner {
		t.Errorf("expected UNKNOWN_SIGNER for missing key, got %s", r.Code)
	}
}

func TestMAC_RoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}

	type ticket struct {
		TicketID string `json:"ticket_id"`
		Qty      int    `json:"qty"`
		HMAC     string `json:"hmac,omitempty"`
	}
	tk := ticket{TicketID: "T-1", Qty: 3}
	tk.HMAC, err = MAC(secret, tk)
	if err != nil {
		t.Fatalf("mac failed: %v", err)
	}

	raw, _ := json.Marshal(tk)
	obj, _ := DecodeObject(raw)
	if r := VerifyMAC(secret, obj); !r.Valid {
		t.Fatalf("expected valid mac, got %+v", r)
	}

	obj["qty"] = json.Number("4")
	r := VerifyMAC(secret, obj)
	if r.Valid || r.Code != protocol.CodeMACInvalid {
		t.Errorf("expected MAC_INVALID after tamper, got %+v", r)
	}
	if err := r.Err(); protocol.KindOf(err) != protocol.KindTrust {
		t.Errorf("expected TrustError, got %v", err)
	}

	other, _ := GenerateSecret()
	obj, _ = DecodeObject(raw)
	if r := VerifyMAC(other, obj); r.Valid {
		t.Error("mac should not verify under another secret")
	}
}

func TestSealReport_RoundTrip(t *testing.T) {
	pub, priv, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatal(err)
	}

	report := map[string]any{"packet_id": "R-1", "actions": []any{"a", "b"}}
	env, err := SealReport(pub, report)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if !IsSealedEnvelope(env) {
		t.Fatal("expected an ENCRYPTED_REPORT envelope")
	}
	if bytes.Contains(env, []byte("R-1")) {
		t.Error("envelope leaks plaintext")
	}

	plain, err := OpenReport(pub, priv, env)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	obj, _ := DecodeObject(plain)
	if obj["packet_id"] != "R-1" {
		t.Errorf("unexpected plaintext %s", plain)
	}

	otherPub, otherPriv, _ := GenerateEncryptionKey()
	if _, err := OpenReport(otherPub, otherPriv, env); protocol.CodeOf(err) != protocol.CodeDecryptFailed {
		t.Errorf("expected DECRYPT_FAILED, got %v", err)
	}
}

func TestKeyCodecs(t *testing.T) {
	pub, priv, _ := GenerateSigningKey()
	decoded, err := DecodeSigningKey(EncodeKey(pub))
	if err != nil || !bytes.Equal(decoded, pub) {
		t.Errorf("public key round trip failed: %v", err)
	}
	decodedPriv, err := DecodePrivateSigningKey(EncodeKey(priv))
	if err != nil || !bytes.Equal(decodedPriv, priv) {
		t.Errorf("private key round trip failed: %v", err)
	}
	if _, err := DecodeSigningKey("AAAA"); err == nil {
		t.Error("short key should fail")
	}

	nonce, err := NewNonce()
	if err != nil || len(nonce) != NonceSize*2 {
		t.Errorf("unexpected nonce %q: %v", nonce, err)
	}
}

func FuzzCanonicalize(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":[true,null,"x"]}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte(`{"nested":{"z":1,"a":{"k":"v"}}}`))

	f.Fuzz(func(t *testing.T, input []byte) {
		first, err := Canonicalize(input)
		if err != nil {
			return
		}
		second, err := Canonicalize(first)
		if err != nil {
			t.Fatalf("canonical form failed to re-parse: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("canonicalization not idempotent:\n%s\n%s", first, second)
		}
	})
}

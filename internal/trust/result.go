package trust

import "github.com/xirs/xirs/internal/protocol"

// Result is the outcome of a verification.
type Result struct {
	Valid  bool
	Code   protocol.Code
	Field  string
	Detail string
}

func ok() Result {
	return Result{Valid: true}
}

func fail(code protocol.Code, field, detail string) Result {
	return Result{Code: code, Field: field, Detail: detail}
}

// Err converts a failed result into a TrustError, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return protocol.TrustErr(r.Code, r.Field, r.Detail)
}

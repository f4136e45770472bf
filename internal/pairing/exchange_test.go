package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xirs/xirs/internal/protocol"
)

func TestHTTPExchanger(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PairPath {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch got.PairingCode {
		case "K7PQ2M":
			_ = json.NewEncoder(w).Encode(Bundle{StationID: "PHARM-01", StationType: protocol.StationPharmacy})
		case "USED22":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unknown or already used pairing code", Code: "NOT_FOUND"})
		case "BUSY22":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "SLOW22":
			time.Sleep(200 * time.Millisecond)
		default:
			_, _ = w.Write([]byte("<html>"))
		}
	}))
	defer srv.Close()

	x := NewHTTPExchanger(srv.Client(), 50*time.Millisecond)
	ctx := context.Background()

	bundle, err := x.Exchange(ctx, srv.URL+"/", Request{PairingCode: "K7PQ2M", DeviceName: "tablet"})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if bundle.StationID != "PHARM-01" || got.DeviceName != "tablet" {
		t.Errorf("bundle = %+v, request = %+v", bundle, got)
	}

	tests := []struct {
		code      string
		status    int
		retryable bool
	}{
		{"USED22", http.StatusNotFound, false},
		{"BUSY22", http.StatusServiceUnavailable, true},
		{"SLOW22", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, err := x.Exchange(ctx, srv.URL, Request{PairingCode: tt.code})
			var ee *ExchangeError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *ExchangeError, got %v", err)
			}
			if ee.Status != tt.status || ee.Retryable != tt.retryable {
				t.Errorf("error = %+v", ee)
			}
		})
	}

	_, err = x.Exchange(ctx, srv.URL, Request{PairingCode: "JUNK22"})
	if protocol.CodeOf(err) != protocol.CodeMalformedPayload {
		t.Errorf("unreadable bundle: %v", err)
	}
}

func TestHTTPExchanger_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPExchanger(nil, time.Second).Exchange(context.Background(), url, Request{PairingCode: "K7PQ2M"})
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ExchangeError{Message: "timeout", Retryable: true}, "Could not reach the Hub. Check the network and try again."},
		{&ExchangeError{Status: 410, Message: "pairing code has expired"}, "The Hub refused the code: pairing code has expired"},
		{protocol.TrustErr(protocol.CodeExpired, "expires_at", ""), "This invite or bundle has expired. Ask the Hub for a new one."},
		{protocol.TrustErr(protocol.CodeSignatureInvalid, "signature", ""), "The invite was not issued by this Hub. Do not use it."},
	}
	for _, tt := range tests {
		if got := describe(tt.err); got != tt.want {
			t.Errorf("describe(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

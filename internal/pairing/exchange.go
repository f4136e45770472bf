package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/protocol"
)

// PairPath is the Hub endpoint that redeems a pairing code.
const PairPath = "/api/stations/pair"

// DefaultTimeout bounds one pairing exchange.
const DefaultTimeout = 15 * time.Second

// maxBundleSize bounds the Hub response body.
const maxBundleSize = 1 << 20

// Request is what a device sends to redeem a code.
type Request struct {
	PairingCode string `json:"pairing_code"`
	StationID   string `json:"station_id,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
}

// Bundle is the trust material the Hub returns for a redeemed code.
type Bundle struct {
	StationID        string               `json:"station_id"`
	StationType      protocol.StationType `json:"station_type"`
	DisplayName      string               `json:"display_name,omitempty"`
	StationSecret    string               `json:"station_secret"`
	HubSigningKey    string               `json:"hub_signing_key"`
	HubEncryptionKey string               `json:"hub_encryption_key"`
	PrescriberCerts  []model.Certificate  `json:"prescriber_certs,omitempty"`
}

// ErrorResponse is the Hub's error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Exchanger redeems a pairing code at a Hub.
type Exchanger interface {
	Exchange(ctx context.Context, hubURL string, req Request) (Bundle, error)
}

// ExchangeError is a failed exchange. Retryable failures are network
// errors and timeouts; a Hub refusal is final for that code.
type ExchangeError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hub refused pairing (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("hub unreachable: %s", e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient exchange failure.
func IsRetryable(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Retryable
}

// HTTPExchanger posts to the Hub pairing endpoint.
type HTTPExchanger struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPExchanger creates an exchanger. A nil client uses http.DefaultClient;
// a zero timeout selects DefaultTimeout.
func NewHTTPExchanger(client *http.Client, timeout time.Duration) *HTTPExchanger {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPExchanger{client: client, timeout: timeout}
}

func (x *HTTPExchanger) Exchange(ctx context.Context, hubURL string, req Request) (Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to marshal pairing request: %w", err)
	}
	endpoint := strings.TrimRight(hubURL, "/") + PairPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Bundle{}, fmt.Errorf("failed to build pairing request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(httpReq)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("no answer from %s within %s", hubURL, x.timeout)
		}
		return Bundle{}, &ExchangeError{Message: msg, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleSize))
	if err != nil {
		return Bundle{}, &ExchangeError{Message: "failed to read hub response", Retryable: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		_ = json.Unmarshal(data, &er)
		if er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return Bundle{}, &ExchangeError{
			Status:    resp.StatusCode,
			Code:      er.Code,
			Message:   er.Error,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, protocol.FormatErr(protocol.CodeMalformedPayload, "bundle", "hub returned an unreadable bundle")
	}
	return bundle, nil
}

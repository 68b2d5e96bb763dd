package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FailureKind classifies why a single advisory call did not produce a
// usable Result (spec §4.4 step 5). All are non-fatal to the orchestrator.
type FailureKind string

const (
	FailureNone      FailureKind = "" // success
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport_error"
	Failure5xx       FailureKind = "5xx"
	Failure4xx       FailureKind = "4xx_validation"
	FailureDecode    FailureKind = "decode_error"
)

// Client calls the external advisory HTTP service.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient builds a Client posting to url with the given per-call timeout
// as the http.Client's default (callers still pass a deadlined context so
// cancellation is explicit at the call site, spec §5).
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Analyze POSTs req to the advisory service and returns the decoded Result,
// or a FailureKind describing why it could not.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, FailureKind, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, FailureDecode, fmt.Errorf("advisory: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, FailureTransport, fmt.Errorf("advisory: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, FailureTimeout, fmt.Errorf("advisory: request timed out: %w", err)
		}
		return Result{}, FailureTransport, fmt.Errorf("advisory: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, FailureTransport, fmt.Errorf("advisory: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return Result{}, Failure5xx, fmt.Errorf("advisory: server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Result{}, Failure4xx, fmt.Errorf("advisory: client error %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return Result{}, FailureTransport, fmt.Errorf("advisory: unexpected redirect %d", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, FailureDecode, fmt.Errorf("advisory: decode response: %w", err)
	}
	return result, FailureNone, nil
}

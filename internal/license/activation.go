package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "scanmaster/internal/errors"
	"scanmaster/pkg/contracts"
)

// maxVerifyResponseSize bounds how much of a verification response is read.
const maxVerifyResponseSize = 1 << 20

// VerificationClient calls the remote license verification endpoint during
// online activation. Implementations distinguish an explicit answer from
// an unreachable server: the latter is reported as ErrNetworkUnreachable
// and callers fall back to offline trust in the key signature.
type VerificationClient interface {
	Verify(ctx context.Context, req contracts.VerifyRequest) (*contracts.VerifyResponse, error)
}

// HTTPVerificationClient is the production VerificationClient. It makes a
// single bounded-time POST per activation attempt; no retries, consistent
// with offline fallback always being safe.
type HTTPVerificationClient struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPVerificationClient creates a client for the given endpoint.
func NewHTTPVerificationClient(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPVerificationClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPVerificationClient{
		endpoint: endpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("component", "verification_client")),
	}
}

// Verify posts the activation request and decodes the server's answer.
// Timeouts, transport failures, non-2xx statuses, and undecodable bodies
// all wrap ErrNetworkUnreachable: the server gave no usable opinion. A
// cancellation of the parent context is returned as-is so a shutting-down
// host aborts instead of proceeding offline.
func (c *HTTPVerificationClient) Verify(ctx context.Context, req contracts.VerifyRequest) (*contracts.VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode verification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", contracts.UserAgent())

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("verification canceled: %w", context.Canceled)
		}
		c.logger.WarnContext(ctx, "verification call failed",
			slog.String("endpoint", c.endpoint),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.WarnContext(ctx, "verification server returned unexpected status",
			slog.String("endpoint", c.endpoint),
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", apperrors.ErrNetworkUnreachable, resp.StatusCode)
	}

	var answer contracts.VerifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVerifyResponseSize)).Decode(&answer); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", apperrors.ErrNetworkUnreachable, err)
	}

	c.logger.DebugContext(ctx, "verification answer received",
		slog.Bool("valid", answer.Valid),
		slog.Duration("elapsed", time.Since(start)),
	)
	return &answer, nil
}

// ActivationRequest is the human-relayable payload of an offline activation
// request: the code the user sends to the support channel plus the context
// support needs to respond. The machine ID is masked for display; the full
// fingerprint never leaves the machine through this path.
type ActivationRequest struct {
	Code        string    `json:"code"`
	MachineID   string    `json:"machine_id"`
	MachineName string    `json:"machine_name"`
	GeneratedAt time.Time `json:"generated_at"`
	ValidUntil  time.Time `json:"valid_until"`
}

// ActivationResult reports a committed activation back to the caller.
type ActivationResult struct {
	Record *Record `json:"record"`
	// Verified is true when the verification server explicitly accepted
	// the activation, false when it was unreachable and the activation
	// proceeded on signature trust alone.
	Verified        bool `json:"verified"`
	IsNewActivation bool `json:"is_new_activation,omitempty"`
}

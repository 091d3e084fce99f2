package license

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "scanmaster/internal/errors"
	"scanmaster/pkg/contracts"
)

func verifyRequestFixture() contracts.VerifyRequest {
	return contracts.VerifyRequest{
		LicenseKey:  "SM-FAC-ACME-ABC123-AMSASTM-LIFETIME-AAAAAAAAAAAA",
		MachineID:   "0123456789abcdef0123456789abcdef",
		MachineName: "test-host",
		OSVersion:   "linux/amd64",
		AppVersion:  "1.4.0",
	}
}

func newVerificationClient(t *testing.T, endpoint string, timeout time.Duration) *HTTPVerificationClient {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewHTTPVerificationClient(endpoint, timeout, logger)
}

func TestVerifyAccepted(t *testing.T) {
	var got contracts.VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(contracts.VerifyResponse{Valid: true, IsNewActivation: true})
	}))
	defer server.Close()

	client := newVerificationClient(t, server.URL, time.Second)
	answer, err := client.Verify(context.Background(), verifyRequestFixture())

	require.NoError(t, err)
	assert.True(t, answer.Valid)
	assert.True(t, answer.IsNewActivation)

	want := verifyRequestFixture()
	assert.Equal(t, want, got, "request carries key, machine, and version fields")
}

func TestVerifyRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(contracts.VerifyResponse{Valid: false, Reason: "license revoked"})
	}))
	defer server.Close()

	client := newVerificationClient(t, server.URL, time.Second)
	answer, err := client.Verify(context.Background(), verifyRequestFixture())

	require.NoError(t, err, "an explicit rejection is an answer, not a transport failure")
	assert.False(t, answer.Valid)
	assert.Equal(t, "license revoked", answer.Reason)
}

func TestVerifyServerErrorsAreNoOpinion(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "internal server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>gateway</html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := newVerificationClient(t, server.URL, time.Second)
			_, err := client.Verify(context.Background(), verifyRequestFixture())

			assert.ErrorIs(t, err, apperrors.ErrNetworkUnreachable)
		})
	}
}

func TestVerifyUnreachableEndpoint(t *testing.T) {
	// Reserved port with nothing listening.
	client := newVerificationClient(t, "http://127.0.0.1:1/verify", 500*time.Millisecond)

	_, err := client.Verify(context.Background(), verifyRequestFixture())
	assert.ErrorIs(t, err, apperrors.ErrNetworkUnreachable)
}

func TestVerifyTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := newVerificationClient(t, server.URL, 50*time.Millisecond)

	start := time.Now()
	_, err := client.Verify(context.Background(), verifyRequestFixture())

	assert.ErrorIs(t, err, apperrors.ErrNetworkUnreachable, "a timeout is treated like any network failure")
	assert.Less(t, time.Since(start), 2*time.Second, "the call is bounded by the configured timeout")
}

func TestVerifyCanceledContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := newVerificationClient(t, server.URL, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Verify(ctx, verifyRequestFixture())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, apperrors.ErrNetworkUnreachable,
		"shutdown is not an offline fallback condition")
}

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extension members into the problem object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error body.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension member to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError translates domain errors into RFC 7807 problem responses.
// The mapping is exhaustive over the sentinel taxonomy; anything unknown
// becomes a generic 500 so internals never leak to the UI shell.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrInvalidFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-format",
			"Invalid License Key Format",
			"The license key is malformed. Expected format: XX-FAC-NAME-TIMESTAMP-STANDARDS-EXPIRY-SIGNATURE.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_LICENSE_FORMAT")

	case errors.Is(err, ErrInvalidSignature):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-signature",
			"Invalid License Key Signature",
			"The license key signature does not match its contents. Check for transcription mistakes.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_LICENSE_SIGNATURE")

	case errors.Is(err, ErrNoStandards):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/no-standards",
			"No Licensed Standards",
			"The license key does not unlock any known inspection standards.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NO_STANDARDS_DECODED")

	case errors.Is(err, ErrInvalidExpiry):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-expiry",
			"Invalid Expiry Date",
			"The license key carries an expiry token that is not LIFETIME or a valid YYYYMMDD date.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_EXPIRY_DATE")

	case errors.Is(err, ErrActivationRejected):
		pd := NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/activation-rejected",
			"Activation Rejected",
			"The license server rejected this activation.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ACTIVATION_REJECTED")
		if reason := RejectionReason(err); reason != "" {
			pd.WithExtension("reason", reason)
		}
		return pd

	case errors.Is(err, ErrResponseCodeMalformed):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/response-code-malformed",
			"Response Code Malformed",
			"The offline activation response code is too short or unreadable.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RESPONSE_CODE_MALFORMED")

	case errors.Is(err, ErrResponseCodeMismatch):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			"/errors/response-code-mismatch",
			"Response Code Not Valid For This Machine",
			"The offline activation response code was issued for a different machine or license.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RESPONSE_CODE_MISMATCH")

	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"Your license has expired. Contact your distributor to renew.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrNotActivated):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			"/errors/license-not-activated",
			"License Not Activated",
			"No license has been activated on this machine.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_ACTIVATED")

	case errors.Is(err, ErrLicenseCorrupted):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/license-corrupted",
			"License File Corrupted",
			"The stored license could not be decrypted. Restore from backup or reactivate.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_CORRUPTED")

	case errors.Is(err, ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			"/errors/rate-limited",
			"Too Many Requests",
			"Too many activation attempts. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RATE_LIMITED").
			WithExtension("retry_after", 300)

	case errors.Is(err, ErrNetworkUnreachable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/network-error",
			"License Server Unreachable",
			"Unable to reach the license server. Offline activation remains available.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NETWORK_ERROR")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}

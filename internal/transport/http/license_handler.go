package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "scanmaster/internal/errors"
	"scanmaster/internal/infrastructure"
	"scanmaster/internal/middleware"
	"scanmaster/internal/services"
)

// LicenseHandler exposes the license lifecycle over HTTP for the local UI
// shell. Activation, validation, and deactivation all route through here.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivateRequest is the POST /activate payload.
type ActivateRequest struct {
	LicenseKey string `json:"license_key"`
}

// Bind implements render.Binder.
func (a *ActivateRequest) Bind(r *http.Request) error {
	if a.LicenseKey == "" {
		return errors.New("license_key is required")
	}
	return nil
}

// ActivateOfflineRequest is the POST /activate/offline payload.
type ActivateOfflineRequest struct {
	LicenseKey   string `json:"license_key"`
	ResponseCode string `json:"response_code"`
}

// Bind implements render.Binder.
func (a *ActivateOfflineRequest) Bind(r *http.Request) error {
	if a.LicenseKey == "" {
		return errors.New("license_key is required")
	}
	if a.ResponseCode == "" {
		return errors.New("response_code is required")
	}
	return nil
}

// Routes returns the chi router for the license endpoints, mounted under
// /api/license. Routes are never gated on license state: activation has
// to work while the host is unlicensed.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/detail", h.GetDetail)
	r.Get("/machine", h.GetMachine)
	r.Get("/catalog", h.GetCatalog)

	r.Post("/activate", h.Activate)
	r.Post("/activate/offline", h.ActivateOffline)
	r.Post("/offline-request", h.OfflineRequest)
	r.Post("/restore", h.Restore)

	r.Delete("/", h.Deactivate)

	return r
}

// GetStatus handles GET /api/license/status.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.get_status", "/api/license/status")
	defer span.End()

	response, err := h.service.GetStatus(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("license.status", response.Status),
		attribute.Int("license.days_left", response.DaysLeft),
	)
	render.JSON(w, r, response)
}

// GetDetail handles GET /api/license/detail.
func (h *LicenseHandler) GetDetail(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.get_detail", "/api/license/detail")
	defer span.End()

	response, err := h.service.GetDetail(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	render.JSON(w, r, response)
}

// GetMachine handles GET /api/license/machine.
func (h *LicenseHandler) GetMachine(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.get_machine", "/api/license/machine")
	defer span.End()

	response, err := h.service.GetMachine(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	render.JSON(w, r, response)
}

// GetCatalog handles GET /api/license/catalog.
func (h *LicenseHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.get_catalog", "/api/license/catalog")
	defer span.End()

	response, err := h.service.GetCatalog(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	render.JSON(w, r, response)
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.activate", "/api/license/activate")
	defer span.End()

	data := &ActivateRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.renderBindError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.String("license.key_masked", maskKey(data.LicenseKey)))

	response, err := h.service.Activate(ctx, data.LicenseKey)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", "success"),
		attribute.Bool("license.verified", response.Verified),
	)
	render.JSON(w, r, response)
}

// ActivateOffline handles POST /api/license/activate/offline.
func (h *LicenseHandler) ActivateOffline(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.activate_offline", "/api/license/activate/offline")
	defer span.End()

	data := &ActivateOfflineRequest{}
	if err := render.Bind(r, data); err != nil {
		span.RecordError(err)
		h.renderBindError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.String("license.key_masked", maskKey(data.LicenseKey)))

	response, err := h.service.ActivateOffline(ctx, data.LicenseKey, data.ResponseCode)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.String("license.result", "success"))
	render.JSON(w, r, response)
}

// OfflineRequest handles POST /api/license/offline-request.
func (h *LicenseHandler) OfflineRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.offline_request", "/api/license/offline-request")
	defer span.End()

	response, err := h.service.OfflineRequest(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	render.JSON(w, r, response)
}

// Restore handles POST /api/license/restore.
func (h *LicenseHandler) Restore(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.restore", "/api/license/restore")
	defer span.End()

	response, err := h.service.Restore(ctx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	span.SetAttributes(attribute.Bool("license.restored", response.Restored))
	render.JSON(w, r, response)
}

// Deactivate handles DELETE /api/license.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "license_handler.deactivate", "/api/license")
	defer span.End()

	if err := h.service.Deactivate(ctx); err != nil {
		span.RecordError(err)
		h.handleError(w, r.WithContext(ctx), err)
		return
	}

	render.JSON(w, r, map[string]any{
		"success":  true,
		"message":  "License deactivated",
		"trace_id": infrastructure.GetTraceID(ctx),
	})
}

func (h *LicenseHandler) startSpan(r *http.Request, name, route string) (context.Context, trace.Span) {
	tracer := otel.Tracer("license-handler")
	return tracer.Start(r.Context(), name,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
		),
	)
}

// renderBindError answers 400 for invalid request payloads.
func (h *LicenseHandler) renderBindError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	h.logger.WarnContext(ctx, "invalid request payload",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path))

	problem := apperrors.NewProblemDetails(
		http.StatusBadRequest,
		"/errors/invalid-request",
		"Invalid Request",
		err.Error(),
		r.URL.Path,
	).WithExtension("trace_id", traceID)

	render.Render(w, r, problem)
}

// handleError maps service errors onto problem documents.
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("trace_id", traceID))

	if errors.Is(err, apperrors.ErrRateLimited) {
		w.Header().Set("Retry-After", "60")
	}

	render.Render(w, r, apperrors.MapLicenseError(err, traceID))
}

// maskKey hides most of a license key for logs and traces.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "scanmaster/internal/errors"
	"scanmaster/internal/infrastructure"
	"scanmaster/internal/services"
	"scanmaster/pkg/contracts"
)

// VerificationHandler exposes the license server's verification endpoint.
// Every decision, acceptance or rejection, is answered with HTTP 200 and
// an explicit body; clients only treat transport failures as "no opinion".
type VerificationHandler struct {
	service  *services.VerificationService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewVerificationHandler creates a new verification handler.
func NewVerificationHandler(service *services.VerificationService, logger *slog.Logger) *VerificationHandler {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &VerificationHandler{
		service:  service,
		validate: v,
		logger:   logger.With(slog.String("handler", "verification")),
	}
}

// Routes returns the chi router for the verification API.
func (h *VerificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/verify", h.Verify)
	return r
}

// Verify handles POST /api/v1/verify.
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("verification-handler")
	ctx, span := tracer.Start(r.Context(), "verification_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/v1/verify"),
		),
	)
	defer span.End()

	var req contracts.VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		span.RecordError(err)
		h.renderInvalid(w, r.WithContext(ctx), "request body is not valid JSON")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		span.RecordError(err)
		h.renderInvalid(w, r.WithContext(ctx), validationDetail(err))
		return
	}

	span.SetAttributes(
		attribute.String("verify.machine_id", req.MachineID),
		attribute.String("verify.app_version", req.AppVersion),
	)

	response, err := h.service.Verify(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "verification failed",
			slog.String("error", err.Error()),
			slog.String("machine_id", req.MachineID))

		problem := apperrors.NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/verification-unavailable",
			"Verification Unavailable",
			"The verification store could not be consulted",
			r.URL.Path,
		).WithExtension("trace_id", infrastructure.GetTraceID(ctx))
		render.Render(w, r, problem)
		return
	}

	span.SetAttributes(
		attribute.Bool("verify.valid", response.Valid),
		attribute.String("verify.reason", response.Reason),
	)
	render.JSON(w, r, response)
}

func (h *VerificationHandler) renderInvalid(w http.ResponseWriter, r *http.Request, detail string) {
	ctx := r.Context()

	h.logger.WarnContext(ctx, "invalid verification request",
		slog.String("detail", detail),
		slog.String("remote_addr", r.RemoteAddr))

	problem := apperrors.NewProblemDetails(
		http.StatusBadRequest,
		"/errors/invalid-request",
		"Invalid Request",
		detail,
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(ctx))

	render.Render(w, r, problem)
}

// validationDetail flattens validator errors into one message.
func validationDetail(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s is too short", fe.Field()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s is too long", fe.Field()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(parts, "; ")
}

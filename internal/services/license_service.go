package services

import (
	"context"
	"log/slog"
	"time"

	"scanmaster/internal/infrastructure"
	"scanmaster/internal/license"
	"scanmaster/internal/security"
)

// LicenseManager is the slice of license.Manager the service layer depends
// on. Declared here so handlers can be tested against a stub.
type LicenseManager interface {
	Status(ctx context.Context) (license.Status, error)
	GetLicense(ctx context.Context) (license.ReadResult, error)
	GetLicenseInfo(ctx context.Context) (*license.Info, error)
	StandardsCatalog(ctx context.Context) ([]license.CatalogEntry, error)
	MachineInfo() security.MachineInfo
	CacheStats() license.CacheStats
	ActivateOnline(ctx context.Context, key string) (*license.ActivationResult, error)
	ActivateOffline(ctx context.Context, key, responseCode string) (*license.ActivationResult, error)
	GenerateOfflineRequest(ctx context.Context) *license.ActivationRequest
	Deactivate(ctx context.Context) error
	RestoreFromBackup(ctx context.Context) (bool, error)
}

// StatusBroadcaster receives license lifecycle events for fan-out to
// connected UI shell clients. The websocket hub satisfies it.
type StatusBroadcaster interface {
	BroadcastLicenseStatus(event, status string)
}

// LicenseService provides the license operations exposed over HTTP.
type LicenseService interface {
	GetStatus(ctx context.Context) (*StatusResponse, error)
	GetDetail(ctx context.Context) (*DetailResponse, error)
	GetMachine(ctx context.Context) (*MachineResponse, error)
	GetCatalog(ctx context.Context) (*CatalogResponse, error)
	Activate(ctx context.Context, key string) (*ActivationResponse, error)
	ActivateOffline(ctx context.Context, key, responseCode string) (*ActivationResponse, error)
	OfflineRequest(ctx context.Context) (*OfflineRequestResponse, error)
	Restore(ctx context.Context) (*RestoreResponse, error)
	Deactivate(ctx context.Context) error
}

// StatusResponse is the compact license state answer for GET /status.
type StatusResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	DaysLeft  int       `json:"days_left"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DetailResponse is the full license overview for GET /detail.
type DetailResponse struct {
	*license.Info
	Cache     license.CacheStats `json:"cache"`
	TraceID   string             `json:"trace_id"`
	Timestamp time.Time          `json:"timestamp"`
}

// MachineResponse reports the local machine identity for support flows.
type MachineResponse struct {
	security.MachineInfo
	TraceID string `json:"trace_id"`
}

// CatalogResponse lists every known standard with its purchased flag.
type CatalogResponse struct {
	Standards []license.CatalogEntry `json:"standards"`
	TraceID   string                 `json:"trace_id"`
}

// ActivationResponse reports the outcome of an activation attempt.
type ActivationResponse struct {
	Success         bool          `json:"success"`
	Message         string        `json:"message"`
	Verified        bool          `json:"verified"`
	IsNewActivation bool          `json:"is_new_activation,omitempty"`
	Info            *license.Info `json:"license_info,omitempty"`
	TraceID         string        `json:"trace_id"`
	Timestamp       time.Time     `json:"timestamp"`
}

// OfflineRequestResponse carries a generated offline activation request.
type OfflineRequestResponse struct {
	Code         string    `json:"code"`
	MachineID    string    `json:"machine_id"`
	MachineName  string    `json:"machine_name"`
	GeneratedAt  time.Time `json:"generated_at"`
	ValidUntil   time.Time `json:"valid_until"`
	Instructions string    `json:"instructions"`
	TraceID      string    `json:"trace_id"`
}

// RestoreResponse reports the outcome of a backup restore.
type RestoreResponse struct {
	Restored bool   `json:"restored"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	TraceID  string `json:"trace_id"`
}

const offlineInstructions = "Send this code to your distributor and enter the response code under Activate Offline. The code stays valid for the window shown."

type licenseService struct {
	manager LicenseManager
	events  StatusBroadcaster
	logger  *slog.Logger
}

// NewLicenseService wires the license manager to the HTTP surface. events
// may be nil when no websocket hub is attached.
func NewLicenseService(manager LicenseManager, events StatusBroadcaster, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager: manager,
		events:  events,
		logger:  logger.With(slog.String("service", "license")),
	}
}

func (s *licenseService) GetStatus(ctx context.Context) (*StatusResponse, error) {
	info, err := s.manager.GetLicenseInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		Status:    info.Status,
		Message:   info.Message,
		DaysLeft:  info.DaysLeft,
		TraceID:   infrastructure.GetTraceID(ctx),
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *licenseService) GetDetail(ctx context.Context) (*DetailResponse, error) {
	info, err := s.manager.GetLicenseInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &DetailResponse{
		Info:      info,
		Cache:     s.manager.CacheStats(),
		TraceID:   infrastructure.GetTraceID(ctx),
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *licenseService) GetMachine(ctx context.Context) (*MachineResponse, error) {
	return &MachineResponse{
		MachineInfo: s.manager.MachineInfo(),
		TraceID:     infrastructure.GetTraceID(ctx),
	}, nil
}

func (s *licenseService) GetCatalog(ctx context.Context) (*CatalogResponse, error) {
	entries, err := s.manager.StandardsCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return &CatalogResponse{
		Standards: entries,
		TraceID:   infrastructure.GetTraceID(ctx),
	}, nil
}

func (s *licenseService) Activate(ctx context.Context, key string) (*ActivationResponse, error) {
	start := time.Now()
	result, err := s.manager.ActivateOnline(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "online activation failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	s.broadcast(ctx, "activated")

	message := "License activated"
	if !result.Verified {
		message = "License activated; the license server could not be reached, verification will happen later"
	}
	return s.activationResponse(ctx, result, message)
}

func (s *licenseService) ActivateOffline(ctx context.Context, key, responseCode string) (*ActivationResponse, error) {
	result, err := s.manager.ActivateOffline(ctx, key, responseCode)
	if err != nil {
		s.logger.WarnContext(ctx, "offline activation failed",
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.broadcast(ctx, "activated")

	return s.activationResponse(ctx, result, "License activated offline")
}

func (s *licenseService) activationResponse(ctx context.Context, result *license.ActivationResult, message string) (*ActivationResponse, error) {
	info, err := s.manager.GetLicenseInfo(ctx)
	if err != nil {
		// The activation itself committed; report it without the overview.
		s.logger.WarnContext(ctx, "license info unavailable after activation",
			slog.String("error", err.Error()),
		)
		info = nil
	}
	return &ActivationResponse{
		Success:         true,
		Message:         message,
		Verified:        result.Verified,
		IsNewActivation: result.IsNewActivation,
		Info:            info,
		TraceID:         infrastructure.GetTraceID(ctx),
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (s *licenseService) OfflineRequest(ctx context.Context) (*OfflineRequestResponse, error) {
	req := s.manager.GenerateOfflineRequest(ctx)
	return &OfflineRequestResponse{
		Code:         req.Code,
		MachineID:    req.MachineID,
		MachineName:  req.MachineName,
		GeneratedAt:  req.GeneratedAt,
		ValidUntil:   req.ValidUntil,
		Instructions: offlineInstructions,
		TraceID:      infrastructure.GetTraceID(ctx),
	}, nil
}

func (s *licenseService) Restore(ctx context.Context) (*RestoreResponse, error) {
	restored, err := s.manager.RestoreFromBackup(ctx)
	if err != nil {
		return nil, err
	}

	info, err := s.manager.GetLicenseInfo(ctx)
	if err != nil {
		return nil, err
	}

	if restored {
		s.broadcast(ctx, "restored")
	}

	message := info.Message
	if !restored {
		message = "No backup available to restore from"
	}
	return &RestoreResponse{
		Restored: restored,
		Status:   info.Status,
		Message:  message,
		TraceID:  infrastructure.GetTraceID(ctx),
	}, nil
}

func (s *licenseService) Deactivate(ctx context.Context) error {
	if err := s.manager.Deactivate(ctx); err != nil {
		return err
	}
	s.broadcast(ctx, "deactivated")
	return nil
}

// broadcast pushes a lifecycle event with the current status to the hub.
func (s *licenseService) broadcast(ctx context.Context, event string) {
	if s.events == nil {
		return
	}
	status, err := s.manager.Status(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "status read for broadcast failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}
	s.events.BroadcastLicenseStatus(event, status.String())
}

package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"scanmaster/pkg/contracts"
)

// ClientCounter reports how many websocket clients are connected. The hub
// satisfies it.
type ClientCounter interface {
	ClientCount() int
}

// HealthService answers the daemon's health, readiness, and version
// endpoints.
type HealthService struct {
	version   string
	buildTime string
	manager   LicenseManager
	clients   ClientCounter
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the response body for the health endpoints.
type HealthStatus struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Runtime   map[string]any `json:"runtime,omitempty"`
	Services  map[string]any `json:"services,omitempty"`
}

// VersionInfo is the response body for GET /api/health/version.
type VersionInfo struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	BuildTime  string `json:"build_time,omitempty"`
	GitCommit  string `json:"git_commit,omitempty"`
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
}

// NewHealthService builds the health service. clients may be nil when no
// websocket hub is attached.
func NewHealthService(version, buildTime string, manager LicenseManager, clients ClientCounter, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		manager:   manager,
		clients:   clients,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// HealthCheck reports overall daemon health including the license state.
// The daemon is healthy regardless of license status; activation has to be
// reachable on an unlicensed machine.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Runtime: map[string]any{
			"go_version":     runtime.Version(),
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
			"uptime_seconds": time.Since(hs.startTime).Seconds(),
		},
		Services: map[string]any{},
	}

	if hs.manager != nil {
		licStatus, err := hs.manager.Status(ctx)
		if err != nil {
			status.Services["license"] = map[string]any{"status": "error", "message": err.Error()}
		} else {
			status.Services["license"] = map[string]any{"status": licStatus.String()}
		}
	}
	if hs.clients != nil {
		status.Services["websocket"] = map[string]any{"clients": hs.clients.ClientCount()}
	}

	return status
}

// ReadinessCheck reports whether the daemon can serve requests.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
	}
}

// LivenessCheck reports that the process is alive.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Runtime: map[string]any{
			"uptime_seconds": time.Since(hs.startTime).Seconds(),
		},
	}
}

// Version reports build and runtime version details.
func (hs *HealthService) Version() VersionInfo {
	return VersionInfo{
		Version:    hs.version,
		APIVersion: contracts.APIVersion,
		BuildTime:  hs.buildTime,
		GitCommit:  contracts.GitCommit,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
}

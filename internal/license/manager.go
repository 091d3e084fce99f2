package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"scanmaster/internal/config"
	apperrors "scanmaster/internal/errors"
	"scanmaster/internal/infrastructure"
	"scanmaster/internal/security"
	"scanmaster/pkg/contracts"
)

// Manager is the license subsystem facade. It owns the codec, the
// encrypted store, the read cache, and the activation protocol, and is the
// only type the rest of the application talks to. State-changing
// operations are serialized by a single mutex so concurrent activation
// attempts cannot interleave store access.
type Manager struct {
	cfg      config.LicensingConfig
	identity *security.Identity
	signer   *Signer
	catalog  *Catalog
	codec    *Codec
	store    *Store
	cache    *Cache
	verifier VerificationClient
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	mu sync.Mutex
}

// Option customizes Manager construction, mainly for tests and alternate
// wiring.
type Option func(*Manager)

// WithVerificationClient replaces the HTTP verification client.
func WithVerificationClient(vc VerificationClient) Option {
	return func(m *Manager) { m.verifier = vc }
}

// WithCache replaces the read cache.
func WithCache(c *Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithCatalog replaces the built-in standards catalog.
func WithCatalog(c *Catalog) Option {
	return func(m *Manager) { m.catalog = c }
}

// WithIdentity replaces the machine identity source.
func WithIdentity(id *security.Identity) Option {
	return func(m *Manager) { m.identity = id }
}

// WithLogger sets the logger used by the manager and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager wires the license subsystem from configuration. Key
// derivation for the store happens here, once.
func NewManager(cfg config.LicensingConfig, opts ...Option) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("licensing secret must be configured")
	}
	if cfg.KeyPrefix == "" {
		return nil, fmt.Errorf("license key prefix must be configured")
	}
	if cfg.LicenseFile == "" || cfg.BackupFile == "" {
		return nil, fmt.Errorf("license store paths must be configured")
	}

	m := &Manager{cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With(slog.String("component", "license_manager"))

	m.signer = NewSigner(cfg.Secret)
	if m.catalog == nil {
		m.catalog = DefaultCatalog()
	}
	m.codec = NewCodec(cfg.KeyPrefix, m.signer, m.catalog)

	if m.identity == nil {
		m.identity = security.NewIdentity(m.logger)
	}

	cipher, err := security.NewCipher(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("initialize store cipher: %w", err)
	}
	m.store = NewStore(cipher, cfg.LicenseFile, cfg.BackupFile, m.logger)

	if m.cache == nil {
		m.cache = NewCache(cfg.CacheTTL)
	}
	if m.verifier == nil {
		m.verifier = NewHTTPVerificationClient(cfg.VerificationURL, cfg.VerificationTimeout, m.logger)
	}

	m.metrics, err = InitializeMetrics(otel.Meter(MeterName))
	if err != nil {
		return nil, fmt.Errorf("initialize license metrics: %w", err)
	}
	m.tracer = otel.Tracer(TracerName)

	return m, nil
}

// snapshot is the core read path: cached record first, then a store read,
// caching only a valid outcome. Expired, corrupted, and not-activated
// results always read through.
func (m *Manager) snapshot(ctx context.Context) (ReadResult, error) {
	if rec, ok := m.cache.Get(); ok {
		// A cached record can cross its expiry date while cached.
		if !rec.Expired(time.Now()) {
			m.metrics.recordCache(ctx, true)
			return ReadResult{Status: StatusValid, Record: rec}, nil
		}
		m.cache.Invalidate()
	}
	m.metrics.recordCache(ctx, false)

	res, err := m.store.Read(ctx)
	if err != nil {
		return ReadResult{}, err
	}
	m.metrics.recordRead(ctx, res.Status)

	if res.Status == StatusValid {
		m.cache.Set(res.Record)
	}
	return res, nil
}

// Status returns the current license status.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	res, err := m.snapshot(ctx)
	if err != nil {
		return StatusNotActivated, err
	}
	return res.Status, nil
}

// IsActivated reports whether a currently valid license is present. Any
// read failure counts as not activated.
func (m *Manager) IsActivated(ctx context.Context) bool {
	res, err := m.snapshot(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "license read failed during activation check",
			slog.String("error", err.Error()))
		return false
	}
	return res.Status == StatusValid
}

// GetLicense returns the current license state with its record, when one
// exists.
func (m *Manager) GetLicense(ctx context.Context) (ReadResult, error) {
	return m.snapshot(ctx)
}

// Info is the human readable license overview shown in the UI and over the
// local API.
type Info struct {
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	FactoryID   string     `json:"factory_id,omitempty"`
	FactoryName string     `json:"factory_name,omitempty"`
	Standards   []Standard `json:"standards,omitempty"`
	IsLifetime  bool       `json:"is_lifetime,omitempty"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	// DaysLeft is -1 when not applicable (lifetime license or nothing
	// activated) and negative once expired.
	DaysLeft       int        `json:"days_left"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	ActivationType string     `json:"activation_type,omitempty"`
}

// GetLicenseInfo returns the human readable license overview.
func (m *Manager) GetLicenseInfo(ctx context.Context) (*Info, error) {
	res, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	info := &Info{Status: res.Status.String(), DaysLeft: -1}

	switch res.Status {
	case StatusNotActivated:
		info.Message = "No license is activated on this machine"
	case StatusCorrupted:
		info.Message = "The license file is unreadable; restore from backup or reactivate"
	case StatusExpired, StatusValid:
		rec := res.Record
		info.FactoryID = rec.FactoryID
		info.FactoryName = rec.FactoryName
		info.Standards = append([]Standard(nil), rec.Standards...)
		info.IsLifetime = rec.IsLifetime
		info.ExpiryDate = rec.ExpiryDate
		activated := rec.ActivatedAt
		info.ActivatedAt = &activated
		info.ActivationType = rec.ActivationType

		if days, ok := rec.DaysUntilExpiry(time.Now()); ok {
			info.DaysLeft = days
		}

		switch {
		case res.Status == StatusExpired:
			info.Message = fmt.Sprintf("License expired on %s", rec.ExpiryDate.Format("2006-01-02"))
		case rec.IsLifetime:
			info.Message = "Lifetime license"
		case info.DaysLeft == 1:
			info.Message = "License valid, 1 day remaining"
		default:
			info.Message = fmt.Sprintf("License valid, %d days remaining", info.DaysLeft)
		}
	}

	return info, nil
}

// HasStandard reports whether the active license grants the given full
// standard code. It is false whenever no valid license is present.
func (m *Manager) HasStandard(ctx context.Context, code string) (bool, error) {
	res, err := m.snapshot(ctx)
	if err != nil {
		return false, err
	}
	if res.Status != StatusValid {
		return false, nil
	}
	return res.Record.HasStandard(code), nil
}

// CatalogEntry is one standard of the catalog view, flagged with whether
// the active license grants it.
type CatalogEntry struct {
	Standard
	Purchased bool `json:"purchased"`
}

// StandardsCatalog returns every standard in the catalog with its
// purchased flag. Without a valid license all entries read as locked.
func (m *Manager) StandardsCatalog(ctx context.Context) ([]CatalogEntry, error) {
	res, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]CatalogEntry, 0, m.catalog.Len())
	for _, std := range m.catalog.Standards() {
		purchased := res.Status == StatusValid && res.Record.HasStandard(std.Code)
		entries = append(entries, CatalogEntry{Standard: std, Purchased: purchased})
	}
	return entries, nil
}

// MachineInfo returns the identity of this machine as used in activation.
func (m *Manager) MachineInfo() security.MachineInfo {
	return m.identity.Info()
}

// CacheStats returns read cache counters for diagnostics.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

// ActivateOnline activates a license key against the verification server.
// Format and signature problems fail before any network activity. An
// explicit server rejection aborts the activation; an unreachable server
// does not, because the signature check already established authenticity.
func (m *Manager) ActivateOnline(ctx context.Context, rawKey string) (*ActivationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "license.activate_online")
	defer span.End()

	start := time.Now()
	result, err := m.activateOnlineLocked(ctx, rawKey)
	m.metrics.recordActivation(ctx, ActivationOnline, start, err)
	m.logOperation(ctx, "activate_online", start, err)
	return result, err
}

func (m *Manager) activateOnlineLocked(ctx context.Context, rawKey string) (*ActivationResult, error) {
	parsed, err := m.codec.Parse(rawKey)
	if err != nil {
		m.logger.WarnContext(ctx, "license key rejected before verification",
			slog.String("key", maskKey(rawKey)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	info := m.identity.Info()
	req := contracts.VerifyRequest{
		LicenseKey:  parsed.Raw,
		MachineID:   info.MachineID,
		MachineName: info.Hostname,
		OSVersion:   info.Platform + "/" + info.Arch,
		AppVersion:  m.appVersion(),
	}

	vstart := time.Now()
	answer, verr := m.verifier.Verify(ctx, req)

	var verified, isNew bool
	switch {
	case verr == nil && !answer.Valid:
		m.metrics.recordVerification(ctx, vstart, "rejected")
		m.logger.WarnContext(ctx, "activation rejected by verification server",
			slog.String("key", maskKey(parsed.Raw)),
			slog.String("reason", answer.Reason),
		)
		return nil, apperrors.NewRejection(answer.Reason)

	case verr == nil:
		m.metrics.recordVerification(ctx, vstart, "accepted")
		verified = true
		isNew = answer.IsNewActivation

	case errors.Is(verr, apperrors.ErrNetworkUnreachable):
		m.metrics.recordVerification(ctx, vstart, "unreachable")
		m.logger.WarnContext(ctx, "verification server unreachable, continuing on signature trust",
			slog.String("error", verr.Error()),
		)

	default:
		// Cancellation or another unexpected failure: abort with no
		// partial state rather than guessing.
		m.metrics.recordVerification(ctx, vstart, "aborted")
		return nil, verr
	}

	rec := NewRecord(parsed, ActivationOnline, "", time.Now())
	if err := m.store.Write(ctx, rec); err != nil {
		return nil, err
	}
	m.cache.Invalidate()

	m.logger.InfoContext(ctx, "license activated",
		slog.String("key", maskKey(parsed.Raw)),
		slog.String("factory", parsed.FactoryName),
		slog.Bool("lifetime", parsed.IsLifetime),
		slog.Bool("verified", verified),
		slog.Int("standards", len(parsed.Standards)),
	)

	return &ActivationResult{Record: rec, Verified: verified, IsNewActivation: isNew}, nil
}

// GenerateOfflineRequest produces the request code and display metadata
// the user relays to the support channel to obtain an offline activation
// response.
func (m *Manager) GenerateOfflineRequest(ctx context.Context) *ActivationRequest {
	info := m.identity.Info()
	now := time.Now()

	if m.metrics != nil {
		m.metrics.OfflineRequests.Add(ctx, 1)
	}
	m.logger.InfoContext(ctx, "offline activation request generated",
		slog.String("machine_id", security.MaskMachineID(info.MachineID)),
	)

	return &ActivationRequest{
		Code:        m.signer.RequestCode(info.MachineID, now),
		MachineID:   security.MaskMachineID(info.MachineID),
		MachineName: info.Hostname,
		GeneratedAt: now,
		ValidUntil:  now.Add(m.cfg.OfflineRequestValidity),
	}
}

// ActivateOffline activates a license key using a manually relayed
// response code. The code must reproduce the prefix derived from this
// machine's fingerprint and the key's factory ID.
func (m *Manager) ActivateOffline(ctx context.Context, rawKey, responseCode string) (*ActivationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "license.activate_offline")
	defer span.End()

	start := time.Now()
	result, err := m.activateOfflineLocked(ctx, rawKey, responseCode)
	m.metrics.recordActivation(ctx, ActivationOffline, start, err)
	m.logOperation(ctx, "activate_offline", start, err)
	return result, err
}

func (m *Manager) activateOfflineLocked(ctx context.Context, rawKey, responseCode string) (*ActivationResult, error) {
	normalized := NormalizeCode(responseCode)
	if len(normalized) < minResponseCodeLength {
		return nil, fmt.Errorf("%w: %d characters after normalization, need at least %d",
			apperrors.ErrResponseCodeMalformed, len(normalized), minResponseCodeLength)
	}

	parsed, err := m.codec.Parse(rawKey)
	if err != nil {
		return nil, err
	}

	machineID := m.identity.Fingerprint()
	if !m.signer.MatchesResponsePrefix(normalized, machineID, parsed.FactoryID) {
		m.logger.WarnContext(ctx, "offline response code not valid for this machine",
			slog.String("machine_id", security.MaskMachineID(machineID)),
			slog.String("factory_id", parsed.FactoryID),
		)
		return nil, apperrors.ErrResponseCodeMismatch
	}

	rec := NewRecord(parsed, ActivationOffline, machineID, time.Now())
	if err := m.store.Write(ctx, rec); err != nil {
		return nil, err
	}
	m.cache.Invalidate()

	m.logger.InfoContext(ctx, "license activated offline",
		slog.String("key", maskKey(parsed.Raw)),
		slog.String("factory", parsed.FactoryName),
		slog.String("machine_id", security.MaskMachineID(machineID)),
	)

	return &ActivationResult{Record: rec}, nil
}

// Deactivate removes the license files and clears the cache. Deactivating
// when nothing is activated is a no-op.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Deactivate(ctx); err != nil {
		return err
	}
	m.cache.Invalidate()

	if m.metrics != nil {
		m.metrics.Deactivations.Add(ctx, 1)
	}
	m.logger.InfoContext(ctx, "license deactivated")
	return nil
}

// RestoreFromBackup copies the backup license file over the primary and
// clears the cache. It returns false when no backup exists.
func (m *Manager) RestoreFromBackup(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored, err := m.store.RestoreFromBackup(ctx)
	if err != nil {
		return false, err
	}
	if restored {
		m.cache.Invalidate()
		if m.metrics != nil {
			m.metrics.Restores.Add(ctx, 1)
		}
	}
	return restored, nil
}

func (m *Manager) appVersion() string {
	if m.cfg.AppVersion != "" {
		return m.cfg.AppVersion
	}
	return contracts.Version
}

// logOperation records operation completion on the active span and the log
// stream.
func (m *Manager) logOperation(ctx context.Context, operation string, start time.Time, err error) {
	logger := infrastructure.LoggerWithContext(ctx)
	duration := time.Since(start)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.operation", operation),
			attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
			attribute.Bool("license.success", err == nil),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.String("component", "license_manager"),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.LogAttrs(ctx, slog.LevelError, "license operation failed", attrs...)
		return
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "license operation completed", attrs...)
}

// maskKey masks a license key for logging.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

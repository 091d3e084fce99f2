package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// TracerName and MeterName identify this subsystem's telemetry.
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// Metrics holds the license subsystem's OpenTelemetry instruments.
type Metrics struct {
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	VerificationCalls    metric.Int64Counter
	VerificationFallback metric.Int64Counter
	VerificationDuration metric.Float64Histogram

	StoreReads       metric.Int64Counter
	StoreCorruptions metric.Int64Counter

	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	OfflineRequests metric.Int64Counter
	Deactivations   metric.Int64Counter
	Restores        metric.Int64Counter
}

// InitializeMetrics creates the license subsystem's instruments on the
// given meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationSuccess, err = meter.Int64Counter(
		"license_activation_success_total",
		metric.WithDescription("Total number of successful license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.VerificationCalls, err = meter.Int64Counter(
		"license_verification_calls_total",
		metric.WithDescription("Total number of remote verification calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification calls counter: %w", err)
	}

	m.VerificationFallback, err = meter.Int64Counter(
		"license_verification_fallback_total",
		metric.WithDescription("Total number of activations that proceeded offline after an unreachable verification server"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification fallback counter: %w", err)
	}

	m.VerificationDuration, err = meter.Float64Histogram(
		"license_verification_duration_seconds",
		metric.WithDescription("Remote verification call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification duration histogram: %w", err)
	}

	m.StoreReads, err = meter.Int64Counter(
		"license_store_reads_total",
		metric.WithDescription("Total number of license store reads"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store reads counter: %w", err)
	}

	m.StoreCorruptions, err = meter.Int64Counter(
		"license_store_corruptions_total",
		metric.WithDescription("Total number of reads that found a corrupted license file"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store corruptions counter: %w", err)
	}

	m.CacheHits, err = meter.Int64Counter(
		"license_cache_hits_total",
		metric.WithDescription("Total number of license cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	m.CacheMisses, err = meter.Int64Counter(
		"license_cache_misses_total",
		metric.WithDescription("Total number of license cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	m.OfflineRequests, err = meter.Int64Counter(
		"license_offline_requests_total",
		metric.WithDescription("Total number of offline activation request codes generated"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create offline requests counter: %w", err)
	}

	m.Deactivations, err = meter.Int64Counter(
		"license_deactivations_total",
		metric.WithDescription("Total number of license deactivations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}

	m.Restores, err = meter.Int64Counter(
		"license_restores_total",
		metric.WithDescription("Total number of restores from the backup license file"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create restores counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordActivation(ctx context.Context, mode string, start time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.ActivationAttempts.Add(ctx, 1, attrs)
	m.ActivationDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		m.ActivationFailures.Add(ctx, 1, attrs)
		return
	}
	m.ActivationSuccess.Add(ctx, 1, attrs)
}

func (m *Metrics) recordVerification(ctx context.Context, start time.Time, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.VerificationCalls.Add(ctx, 1, attrs)
	m.VerificationDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if outcome == "unreachable" {
		m.VerificationFallback.Add(ctx, 1)
	}
}

func (m *Metrics) recordRead(ctx context.Context, status Status) {
	if m == nil {
		return
	}
	m.StoreReads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
	if status == StatusCorrupted {
		m.StoreCorruptions.Add(ctx, 1)
	}
}

func (m *Metrics) recordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
		return
	}
	m.CacheMisses.Add(ctx, 1)
}

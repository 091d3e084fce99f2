package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "scanmaster/internal/errors"
	"scanmaster/internal/license"
	"scanmaster/internal/registry"
	"scanmaster/pkg/contracts"
)

// Rejection reasons returned to clients. These are part of the wire
// contract: the desktop shell shows them verbatim.
const (
	ReasonMalformedKey     = "malformed license key"
	ReasonInvalidSignature = "invalid license key signature"
	ReasonNoStandards      = "license key unlocks no standards"
	ReasonInvalidExpiry    = "invalid expiry date"
	ReasonKeyExpired       = "license key expired"
	ReasonMachineLimit     = "machine limit reached"
)

// ActivationRegistry is the slice of the registry the verification service
// uses.
type ActivationRegistry interface {
	Record(ctx context.Context, act registry.Activation) (bool, error)
	MachineCount(ctx context.Context, licenseKey string) (int, error)
	IsKnownMachine(ctx context.Context, licenseKey, machineID string) (bool, error)
}

// VerificationService decides activation requests on the vendor side. A
// decision is always an HTTP 200 answer; an error return means the service
// could not decide (storage failure) and the client will fall back to
// offline behavior.
type VerificationService struct {
	codec       *license.Codec
	registry    ActivationRegistry
	maxMachines int
	logger      *slog.Logger
}

// NewVerificationService builds the verification decision service.
// maxMachines of 0 disables the per-key machine cap.
func NewVerificationService(codec *license.Codec, reg ActivationRegistry, maxMachines int, logger *slog.Logger) *VerificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationService{
		codec:       codec,
		registry:    reg,
		maxMachines: maxMachines,
		logger:      logger.With(slog.String("service", "verification")),
	}
}

// Verify answers an activation request. Key problems and policy rejections
// produce Valid=false with a reason rather than an error.
func (s *VerificationService) Verify(ctx context.Context, req contracts.VerifyRequest) (*contracts.VerifyResponse, error) {
	parsed, err := s.codec.Parse(req.LicenseKey)
	if err != nil {
		reason := rejectionReasonFor(err)
		s.logger.InfoContext(ctx, "activation rejected",
			slog.String("reason", reason),
			slog.String("machine_id", req.MachineID),
		)
		return &contracts.VerifyResponse{Valid: false, Reason: reason}, nil
	}

	if parsed.Expired(time.Now()) {
		s.logger.InfoContext(ctx, "activation rejected",
			slog.String("reason", ReasonKeyExpired),
			slog.String("factory_id", parsed.FactoryID),
			slog.String("machine_id", req.MachineID),
		)
		return &contracts.VerifyResponse{Valid: false, Reason: ReasonKeyExpired}, nil
	}

	known, err := s.registry.IsKnownMachine(ctx, parsed.Raw, req.MachineID)
	if err != nil {
		return nil, err
	}

	// Re-verification from a registered machine never counts against the
	// cap; only new machines do.
	if !known && s.maxMachines > 0 {
		count, err := s.registry.MachineCount(ctx, parsed.Raw)
		if err != nil {
			return nil, err
		}
		if count >= s.maxMachines {
			s.logger.WarnContext(ctx, "activation rejected",
				slog.String("reason", ReasonMachineLimit),
				slog.String("factory_id", parsed.FactoryID),
				slog.Int("machines", count),
				slog.Int("cap", s.maxMachines),
			)
			return &contracts.VerifyResponse{Valid: false, Reason: ReasonMachineLimit}, nil
		}
	}

	isNew, err := s.registry.Record(ctx, registry.Activation{
		LicenseKey:  parsed.Raw,
		FactoryID:   parsed.FactoryID,
		MachineID:   req.MachineID,
		MachineName: req.MachineName,
		OSVersion:   req.OSVersion,
		AppVersion:  req.AppVersion,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "activation verified",
		slog.String("factory_id", parsed.FactoryID),
		slog.Bool("is_new_activation", isNew),
	)
	return &contracts.VerifyResponse{Valid: true, IsNewActivation: isNew}, nil
}

func rejectionReasonFor(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, apperrors.ErrNoStandards):
		return ReasonNoStandards
	case errors.Is(err, apperrors.ErrInvalidExpiry):
		return ReasonInvalidExpiry
	default:
		return ReasonMalformedKey
	}
}

package license

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanmaster/internal/config"
	apperrors "scanmaster/internal/errors"
	"scanmaster/pkg/contracts"
)

type stubVerifier struct {
	answer *contracts.VerifyResponse
	err    error
	calls  int
	gotReq contracts.VerifyRequest
}

func (s *stubVerifier) Verify(ctx context.Context, req contracts.VerifyRequest) (*contracts.VerifyResponse, error) {
	s.calls++
	s.gotReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.answer, nil
}

func unreachableVerifier() *stubVerifier {
	return &stubVerifier{err: fmt.Errorf("%w: connection refused", apperrors.ErrNetworkUnreachable)}
}

func testLicensingConfig(t *testing.T) config.LicensingConfig {
	t.Helper()
	dir := t.TempDir()
	return config.LicensingConfig{
		Secret:                 "manager-test-secret",
		KeyPrefix:              "XX",
		LicenseFile:            filepath.Join(dir, "license.dat"),
		BackupFile:             filepath.Join(dir, "license.dat.bak"),
		VerificationURL:        "http://127.0.0.1:1/verify",
		VerificationTimeout:    200 * time.Millisecond,
		CacheTTL:               time.Minute,
		OfflineRequestValidity: 72 * time.Hour,
		AppVersion:             "1.4.0-test",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, cfg config.LicensingConfig, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	return m
}

func composeKey(t *testing.T, cfg config.LicensingConfig, factoryName, issueToken, standards, expiry string) string {
	t.Helper()
	codec := NewCodec(cfg.KeyPrefix, NewSigner(cfg.Secret), DefaultCatalog())
	key, err := codec.Compose(factoryName, issueToken, standards, expiry)
	require.NoError(t, err)
	return key
}

func TestActivateOnlineWithUnreachableServer(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMSASTM", "LIFETIME")
	require.True(t, strings.HasPrefix(key, "XX-FAC-ACME-ABC123-AMSASTM-LIFETIME-"))

	result, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err, "an unreachable server must not block activation")

	assert.False(t, result.Verified)
	rec := result.Record
	assert.Equal(t, ActivationOnline, rec.ActivationType)
	assert.True(t, rec.IsLifetime)
	assert.Nil(t, rec.ExpiryDate)
	assert.Equal(t, []string{"AMS-STD-2154", "ASTM-A388"}, codesOf(rec.Standards))

	assert.True(t, m.IsActivated(ctx))

	has, err := m.HasStandard(ctx, "AMS-STD-2154")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = m.HasStandard(ctx, "ASTM-A388")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = m.HasStandard(ctx, "BS-EN-10228-3")
	require.NoError(t, err)
	assert.False(t, has, "unpurchased standards stay locked")

	// The record survives a fresh manager over the same files.
	fresh := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))
	assert.True(t, fresh.IsActivated(ctx))
	res, err := fresh.GetLicense(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusValid, res.Status)
	assert.Equal(t, rec.LicenseKey, res.Record.LicenseKey)
}

func TestActivateOnlineAccepted(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	stub := &stubVerifier{answer: &contracts.VerifyResponse{Valid: true, IsNewActivation: true}}
	m := newTestManager(t, cfg, WithVerificationClient(stub))

	key := composeKey(t, cfg, "ACME", "ABC123", "SEP", "LIFETIME")
	result, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.True(t, result.IsNewActivation)

	require.Equal(t, 1, stub.calls)
	info := m.MachineInfo()
	assert.Equal(t, key, stub.gotReq.LicenseKey)
	assert.Equal(t, info.MachineID, stub.gotReq.MachineID)
	assert.Equal(t, info.Hostname, stub.gotReq.MachineName)
	assert.Equal(t, "1.4.0-test", stub.gotReq.AppVersion)
	assert.NotEmpty(t, stub.gotReq.OSVersion)
}

func TestActivateOnlineRejected(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	stub := &stubVerifier{answer: &contracts.VerifyResponse{Valid: false, Reason: "machine limit reached"}}
	m := newTestManager(t, cfg, WithVerificationClient(stub))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	_, err := m.ActivateOnline(ctx, key)

	require.ErrorIs(t, err, apperrors.ErrActivationRejected)
	assert.Equal(t, "machine limit reached", apperrors.RejectionReason(err))

	assert.False(t, m.IsActivated(ctx), "a rejected activation commits nothing")
	assert.NoFileExists(t, cfg.LicenseFile)
	assert.NoFileExists(t, cfg.BackupFile)
}

func TestActivateOnlineInvalidKeyNeverCallsServer(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	stub := &stubVerifier{answer: &contracts.VerifyResponse{Valid: true}}
	m := newTestManager(t, cfg, WithVerificationClient(stub))

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{
			name:    "garbage",
			key:     "not a key",
			wantErr: apperrors.ErrInvalidFormat,
		},
		{
			name:    "forged signature",
			key:     "XX-FAC-ACME-ABC123-AMS-LIFETIME-000000000000",
			wantErr: apperrors.ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ActivateOnline(ctx, tt.key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, 0, stub.calls, "format and signature failures stay local")
	assert.False(t, m.IsActivated(ctx))
}

func TestActivateOnlineAbortsOnCancellation(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	stub := &stubVerifier{err: fmt.Errorf("verification canceled: %w", context.Canceled)}
	m := newTestManager(t, cfg, WithVerificationClient(stub))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	_, err := m.ActivateOnline(ctx, key)

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.IsActivated(ctx))
}

func TestActivateOffline(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "SEPAPI", "LIFETIME")
	machineID := m.MachineInfo().MachineID

	signer := NewSigner(cfg.Secret)
	response := signer.ResponsePrefix(machineID, "FAC-ACME-ABC123") + "23AB"

	// Codes arrive grouped and possibly lower-cased from manual entry.
	entered := strings.ToLower(GroupCode(response))

	result, err := m.ActivateOffline(ctx, key, entered)
	require.NoError(t, err)

	rec := result.Record
	assert.Equal(t, ActivationOffline, rec.ActivationType)
	assert.Equal(t, machineID, rec.MachineID, "offline activation binds the machine")
	assert.Equal(t, []string{"SEP-1921", "API-6A"}, codesOf(rec.Standards))
	assert.True(t, m.IsActivated(ctx))
}

func TestActivateOfflineWrongMachine(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	signer := NewSigner(cfg.Secret)
	foreign := signer.ResponsePrefix("someone-elses-machine", "FAC-ACME-ABC123")

	_, err := m.ActivateOffline(ctx, key, foreign)
	require.ErrorIs(t, err, apperrors.ErrResponseCodeMismatch)
	assert.False(t, m.IsActivated(ctx))
}

func TestActivateOfflineWrongFactory(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	signer := NewSigner(cfg.Secret)
	otherFactory := signer.ResponsePrefix(m.MachineInfo().MachineID, "FAC-OTHER-XYZ789")

	_, err := m.ActivateOffline(ctx, key, otherFactory)
	assert.ErrorIs(t, err, apperrors.ErrResponseCodeMismatch)
}

func TestActivateOfflineMalformedCode(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	// The length check runs before key parsing, so even an invalid key
	// reports the malformed code first.
	_, err := m.ActivateOffline(ctx, "not a key", "AB-CD")
	assert.ErrorIs(t, err, apperrors.ErrResponseCodeMalformed)

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	_, err = m.ActivateOffline(ctx, key, "ABCD-EFGH")
	assert.ErrorIs(t, err, apperrors.ErrResponseCodeMalformed)
}

func TestGenerateOfflineRequest(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	req := m.GenerateOfflineRequest(ctx)

	parts := strings.Split(req.Code, "-")
	require.Len(t, parts, 4)
	for _, part := range parts {
		assert.Len(t, part, 4)
		for _, r := range part {
			assert.Contains(t, codeAlphabet, string(r))
		}
	}

	full := m.MachineInfo().MachineID
	assert.NotEqual(t, full, req.MachineID, "the full fingerprint is never displayed")
	assert.Contains(t, req.MachineID, "...")
	assert.Equal(t, m.MachineInfo().Hostname, req.MachineName)
	assert.Equal(t, 72*time.Hour, req.ValidUntil.Sub(req.GeneratedAt))
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	_, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err)
	require.True(t, m.IsActivated(ctx))

	require.NoError(t, m.Deactivate(ctx))

	assert.False(t, m.IsActivated(ctx))
	assert.NoFileExists(t, cfg.LicenseFile)
	assert.NoFileExists(t, cfg.BackupFile)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusNotActivated, status)

	assert.NoError(t, m.Deactivate(ctx), "deactivating twice is a no-op")

	restored, err := m.RestoreFromBackup(ctx)
	require.NoError(t, err)
	assert.False(t, restored, "deactivation removes the backup too")
}

func TestRestoreFromBackup(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "BSEN", "LIFETIME")
	_, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(cfg.LicenseFile, []byte("scribble"), 0o600))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCorrupted, status)

	restored, err := m.RestoreFromBackup(ctx)
	require.NoError(t, err)
	assert.True(t, restored)

	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, status)

	has, err := m.HasStandard(ctx, "BS-EN-10228-3")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestActivateExpiredKey(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	yesterday := time.Now().AddDate(0, 0, -1).Format("20060102")
	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", yesterday)

	// Expiry is evaluated at read time, not enforced at write time.
	_, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)
	assert.False(t, m.IsActivated(ctx))

	has, err := m.HasStandard(ctx, "AMS-STD-2154")
	require.NoError(t, err)
	assert.False(t, has, "expired licenses grant nothing")

	info, err := m.GetLicenseInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "expired", info.Status)
	assert.Contains(t, info.Message, "expired")
	assert.Equal(t, -1, info.DaysLeft)
}

func TestKeyExpiringTodayIsValid(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	today := time.Now().Format("20060102")
	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", today)

	_, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	assert.True(t, m.IsActivated(ctx), "a license expiring today is valid through the day")

	info, err := m.GetLicenseInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "valid", info.Status)
	assert.Equal(t, 0, info.DaysLeft)
}

func TestGetLicenseInfoStates(t *testing.T) {
	ctx := context.Background()

	t.Run("not activated", func(t *testing.T) {
		cfg := testLicensingConfig(t)
		m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

		info, err := m.GetLicenseInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, "not_activated", info.Status)
		assert.NotEmpty(t, info.Message)
		assert.Equal(t, -1, info.DaysLeft)
		assert.Empty(t, info.Standards)
	})

	t.Run("lifetime", func(t *testing.T) {
		cfg := testLicensingConfig(t)
		m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

		key := composeKey(t, cfg, "ACME", "ABC123", "AMSASTM", "LIFETIME")
		_, err := m.ActivateOnline(ctx, key)
		require.NoError(t, err)

		info, err := m.GetLicenseInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, "valid", info.Status)
		assert.Equal(t, "Lifetime license", info.Message)
		assert.True(t, info.IsLifetime)
		assert.Equal(t, -1, info.DaysLeft)
		assert.Equal(t, "ACME", info.FactoryName)
		assert.Len(t, info.Standards, 2)
		assert.Equal(t, ActivationOnline, info.ActivationType)
	})

	t.Run("dated", func(t *testing.T) {
		cfg := testLicensingConfig(t)
		m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

		expiry := time.Now().AddDate(0, 0, 30).Format("20060102")
		key := composeKey(t, cfg, "ACME", "ABC123", "SEP", expiry)
		_, err := m.ActivateOnline(ctx, key)
		require.NoError(t, err)

		info, err := m.GetLicenseInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, "valid", info.Status)
		assert.Equal(t, 30, info.DaysLeft)
		assert.Contains(t, info.Message, "30 days")
		require.NotNil(t, info.ExpiryDate)
	})
}

func TestCacheHoldsOnlyValidOutcomes(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	// Not-activated reads are never cached.
	_, err := m.GetLicense(ctx)
	require.NoError(t, err)
	assert.False(t, m.CacheStats().Cached)

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	_, err = m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	// First read after activation fills the cache; the second hits it.
	_, err = m.GetLicense(ctx)
	require.NoError(t, err)
	assert.True(t, m.CacheStats().Cached)

	before := m.CacheStats().HitCount
	_, err = m.GetLicense(ctx)
	require.NoError(t, err)
	assert.Greater(t, m.CacheStats().HitCount, before)

	// Corrupted reads are never cached either. Deactivate clears the
	// cache and both files, then a scribbled primary takes their place.
	require.NoError(t, m.Deactivate(ctx))
	require.NoError(t, os.WriteFile(cfg.LicenseFile, []byte("scribble"), 0o600))

	for i := 0; i < 2; i++ {
		status, err := m.Status(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusCorrupted, status)
	}
	assert.False(t, m.CacheStats().Cached)
}

func TestGetLicenseReturnsIsolatedRecord(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	_, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	first, err := m.GetLicense(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusValid, first.Status)
	first.Record.FactoryName = "tampered"

	second, err := m.GetLicense(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ACME", second.Record.FactoryName)
}

func TestStandardsCatalogView(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	entries, err := m.StandardsCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	for _, e := range entries {
		assert.False(t, e.Purchased, "nothing is purchased before activation")
	}

	key := composeKey(t, cfg, "ACME", "ABC123", "AMSASTM", "LIFETIME")
	_, err = m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	entries, err = m.StandardsCatalog(ctx)
	require.NoError(t, err)

	purchased := map[string]bool{}
	for _, e := range entries {
		purchased[e.Code] = e.Purchased
	}
	assert.True(t, purchased["AMS-STD-2154"])
	assert.True(t, purchased["ASTM-A388"])
	assert.False(t, purchased["BS-EN-10228-3"])
	assert.False(t, purchased["BS-EN-10228-4"])
	assert.False(t, purchased["SEP-1921"])
	assert.False(t, purchased["API-6A"])
}

func TestConcurrentQueries(t *testing.T) {
	ctx := context.Background()
	cfg := testLicensingConfig(t)
	m := newTestManager(t, cfg, WithVerificationClient(unreachableVerifier()))

	key := composeKey(t, cfg, "ACME", "ABC123", "AMS", "LIFETIME")
	_, err := m.ActivateOnline(ctx, key)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.GetLicense(ctx)
			assert.NoError(t, err)
			assert.Equal(t, StatusValid, res.Status)

			has, err := m.HasStandard(ctx, "AMS-STD-2154")
			assert.NoError(t, err)
			assert.True(t, has)
		}()
	}
	wg.Wait()
}

func TestNewManagerValidation(t *testing.T) {
	base := testLicensingConfig(t)

	tests := []struct {
		name   string
		mutate func(c *config.LicensingConfig)
	}{
		{name: "missing secret", mutate: func(c *config.LicensingConfig) { c.Secret = "" }},
		{name: "missing prefix", mutate: func(c *config.LicensingConfig) { c.KeyPrefix = "" }},
		{name: "missing license path", mutate: func(c *config.LicensingConfig) { c.LicenseFile = "" }},
		{name: "missing backup path", mutate: func(c *config.LicensingConfig) { c.BackupFile = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewManager(cfg, WithLogger(quietLogger()))
			assert.Error(t, err)
		})
	}
}

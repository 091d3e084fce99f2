// Package integration exercises the licensing subsystem end to end: a real
// manager with encrypted stores on disk talking to a real verification
// server over HTTP, with no mocks between them.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanmaster/internal/config"
	apperrors "scanmaster/internal/errors"
	"scanmaster/internal/issuer"
	"scanmaster/internal/license"
	"scanmaster/internal/registry"
	"scanmaster/internal/services"
	"scanmaster/internal/shared/testutil"
	handlers "scanmaster/internal/transport/http"
	"scanmaster/pkg/contracts"
)

// startVerificationServer runs the vendor-side verification stack on a
// throwaway registry and returns its base URL and the registry handle.
func startVerificationServer(t *testing.T, licCfg config.LicensingConfig, maxMachines int) (string, *registry.Registry) {
	t.Helper()
	logger := testutil.Silent()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "activations.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	signer := license.NewSigner(licCfg.Secret)
	catalog := license.DefaultCatalog()
	codec := license.NewCodec(licCfg.KeyPrefix, signer, catalog)
	service := services.NewVerificationService(codec, reg, maxMachines, logger)
	handler := handlers.NewVerificationHandler(service, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(api chi.Router) {
		api.Mount("/", handler.Routes())
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv.URL, reg
}

// newLicensingConfig returns a manager configuration with store files under
// a fresh temp directory.
func newLicensingConfig(t *testing.T) config.LicensingConfig {
	t.Helper()
	dir := t.TempDir()
	return config.LicensingConfig{
		Secret:                 "integration-test-secret",
		KeyPrefix:              "SM",
		LicenseFile:            filepath.Join(dir, "license.dat"),
		BackupFile:             filepath.Join(dir, "license.dat.bak"),
		VerificationURL:        "http://127.0.0.1:1/api/v1/verify",
		VerificationTimeout:    2 * time.Second,
		CacheTTL:               5 * time.Minute,
		OfflineRequestValidity: 720 * time.Hour,
		AppVersion:             contracts.Version,
	}
}

func newTestIssuer(cfg config.LicensingConfig) *issuer.Issuer {
	signer := license.NewSigner(cfg.Secret)
	catalog := license.DefaultCatalog()
	codec := license.NewCodec(cfg.KeyPrefix, signer, catalog)
	return issuer.New(codec, signer, catalog, testutil.Silent())
}

func issueLifetimeKey(t *testing.T, cfg config.LicensingConfig, standards ...string) string {
	t.Helper()
	parsed, err := newTestIssuer(cfg).Issue(issuer.IssueParams{
		FactoryName: "ACME",
		Standards:   standards,
		Lifetime:    true,
	})
	require.NoError(t, err)
	return parsed.Raw
}

func newManager(t *testing.T, cfg config.LicensingConfig) *license.Manager {
	t.Helper()
	mgr, err := license.NewManager(cfg, license.WithLogger(testutil.Silent()))
	require.NoError(t, err)
	return mgr
}

func TestOnlineActivationLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := newLicensingConfig(t)
	serverURL, reg := startVerificationServer(t, cfg, 3)
	cfg.VerificationURL = serverURL + "/api/v1/verify"

	mgr := newManager(t, cfg)

	status, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusNotActivated, status)

	key := issueLifetimeKey(t, cfg, "AMS", "ASTM")

	result, err := mgr.ActivateOnline(ctx, key)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.True(t, result.IsNewActivation)
	assert.Equal(t, license.ActivationOnline, result.Record.ActivationType)

	status, err = mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusValid, status)
	assert.True(t, mgr.IsActivated(ctx))

	granted, err := mgr.HasStandard(ctx, "AMS-STD-2154")
	require.NoError(t, err)
	assert.True(t, granted)
	granted, err = mgr.HasStandard(ctx, "API-6A")
	require.NoError(t, err)
	assert.False(t, granted)

	entries, err := mgr.StandardsCatalog(ctx)
	require.NoError(t, err)
	purchased := 0
	for _, e := range entries {
		if e.Purchased {
			purchased++
		}
	}
	assert.Equal(t, 2, purchased)

	count, err := reg.MachineCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Re-activating on the same machine is idempotent on the server side.
	again, err := mgr.ActivateOnline(ctx, key)
	require.NoError(t, err)
	assert.True(t, again.Verified)
	assert.False(t, again.IsNewActivation)

	require.NoError(t, mgr.Deactivate(ctx))
	status, err = mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusNotActivated, status)

	// Deactivation removes the backup too, so nothing can be restored.
	restored, err := mgr.RestoreFromBackup(ctx)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestServerRejectionAbortsActivation(t *testing.T) {
	ctx := context.Background()
	cfg := newLicensingConfig(t)
	serverURL, _ := startVerificationServer(t, cfg, 1)
	cfg.VerificationURL = serverURL + "/api/v1/verify"

	key := issueLifetimeKey(t, cfg, "AMS")

	// Another machine takes the only seat for this key.
	occupy := contracts.VerifyRequest{
		LicenseKey:  key,
		MachineID:   "9999eeee8888ffff",
		MachineName: "other-machine",
	}
	body, err := json.Marshal(occupy)
	require.NoError(t, err)
	resp, err := http.Post(cfg.VerificationURL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	mgr := newManager(t, cfg)
	_, err = mgr.ActivateOnline(ctx, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrActivationRejected)
	assert.Equal(t, services.ReasonMachineLimit, apperrors.RejectionReason(err))

	// A rejected activation leaves no state behind.
	status, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusNotActivated, status)
}

func TestUnreachableServerFallsBackToSignatureTrust(t *testing.T) {
	ctx := context.Background()
	cfg := newLicensingConfig(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	cfg.VerificationURL = dead.URL + "/api/v1/verify"

	mgr := newManager(t, cfg)
	key := issueLifetimeKey(t, cfg, "BSEN")

	result, err := mgr.ActivateOnline(ctx, key)
	require.NoError(t, err)
	assert.False(t, result.Verified)

	status, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusValid, status)
}

func TestOfflineActivationFlow(t *testing.T) {
	ctx := context.Background()
	cfg := newLicensingConfig(t)
	mgr := newManager(t, cfg)
	iss := newTestIssuer(cfg)

	key := issueLifetimeKey(t, cfg, "SEP", "API")
	parsed, err := iss.Inspect(key)
	require.NoError(t, err)

	req := mgr.GenerateOfflineRequest(ctx)
	assert.NotEmpty(t, req.Code)
	assert.Contains(t, req.MachineID, "...")
	assert.True(t, req.ValidUntil.After(req.GeneratedAt))

	_, err = mgr.ActivateOffline(ctx, key, "ABC")
	assert.ErrorIs(t, err, apperrors.ErrResponseCodeMalformed)

	_, err = mgr.ActivateOffline(ctx, key, "AAAA-BBBB-CCCC")
	assert.ErrorIs(t, err, apperrors.ErrResponseCodeMismatch)

	// Support computes the response from the full machine ID the customer
	// reads out, plus the factory ID of the key they bought.
	responseCode, err := iss.SupportResponse(mgr.MachineInfo().MachineID, parsed.FactoryID)
	require.NoError(t, err)

	result, err := mgr.ActivateOffline(ctx, key, responseCode)
	require.NoError(t, err)
	assert.Equal(t, license.ActivationOffline, result.Record.ActivationType)

	status, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusValid, status)
}

func TestCorruptedStoreDetectedAndRestored(t *testing.T) {
	ctx := context.Background()
	cfg := newLicensingConfig(t)
	mgr := newManager(t, cfg)

	key := issueLifetimeKey(t, cfg, "AMS")
	_, err := mgr.ActivateOnline(ctx, key)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(cfg.LicenseFile, []byte("not a license"), 0o600))

	// A fresh manager, as after a daemon restart, sees the damage.
	restartedMgr := newManager(t, cfg)
	status, err := restartedMgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusCorrupted, status)

	info, err := restartedMgr.GetLicenseInfo(ctx)
	require.NoError(t, err)
	assert.Contains(t, info.Message, "restore")

	restored, err := restartedMgr.RestoreFromBackup(ctx)
	require.NoError(t, err)
	assert.True(t, restored)

	status, err = restartedMgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.StatusValid, status)
}

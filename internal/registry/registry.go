// Package registry persists activation records on the vendor side. Every
// verified activation is upserted keyed by (license_key, machine_id), so
// the verification server can enforce per-key machine caps and support
// staff can see which machines a key is live on.
package registry

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS activations (
		id TEXT PRIMARY KEY,
		license_key TEXT NOT NULL,
		factory_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		machine_name TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		verify_count INTEGER NOT NULL DEFAULT 1,
		UNIQUE(license_key, machine_id)
	);

	CREATE INDEX IF NOT EXISTS idx_activations_license_key ON activations(license_key);
	CREATE INDEX IF NOT EXISTS idx_activations_machine_id ON activations(machine_id);
`

// Activation is one (license key, machine) pairing with its verification
// history.
type Activation struct {
	ID          string    `json:"id"`
	LicenseKey  string    `json:"license_key"`
	FactoryID   string    `json:"factory_id"`
	MachineID   string    `json:"machine_id"`
	MachineName string    `json:"machine_name"`
	OSVersion   string    `json:"os_version"`
	AppVersion  string    `json:"app_version"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	VerifyCount int64     `json:"verify_count"`
}

// activationRow mirrors the table; timestamps travel as RFC 3339 text.
type activationRow struct {
	ID          string `db:"id"`
	LicenseKey  string `db:"license_key"`
	FactoryID   string `db:"factory_id"`
	MachineID   string `db:"machine_id"`
	MachineName string `db:"machine_name"`
	OSVersion   string `db:"os_version"`
	AppVersion  string `db:"app_version"`
	FirstSeen   string `db:"first_seen"`
	LastSeen    string `db:"last_seen"`
	VerifyCount int64  `db:"verify_count"`
}

func (r activationRow) toActivation() Activation {
	firstSeen, _ := time.Parse(time.RFC3339, r.FirstSeen)
	lastSeen, _ := time.Parse(time.RFC3339, r.LastSeen)
	return Activation{
		ID:          r.ID,
		LicenseKey:  r.LicenseKey,
		FactoryID:   r.FactoryID,
		MachineID:   r.MachineID,
		MachineName: r.MachineName,
		OSVersion:   r.OSVersion,
		AppVersion:  r.AppVersion,
		FirstSeen:   firstSeen,
		LastSeen:    lastSeen,
		VerifyCount: r.VerifyCount,
	}
}

// Registry is a sqlite-backed activation store.
type Registry struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the activation database at path and
// applies the schema.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "activation_registry"))

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open activation registry: %w", err)
	}
	// The pure Go driver serializes writes anyway; a single connection
	// avoids table-lock errors under concurrent verifications.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}

	logger.Info("activation registry opened", slog.String("path", path))
	return &Registry{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is still reachable. Readiness probes
// use it to distinguish a live process from a usable one.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Record upserts an activation. It reports whether this (key, machine)
// pairing was seen for the first time.
func (r *Registry) Record(ctx context.Context, act Activation) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin registry transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.GetContext(ctx, &existingID,
		`SELECT id FROM activations WHERE license_key = ? AND machine_id = ?`,
		act.LicenseKey, act.MachineID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO activations
				(id, license_key, factory_id, machine_id, machine_name, os_version, app_version, first_seen, last_seen, verify_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			uuid.New().String(), act.LicenseKey, act.FactoryID, act.MachineID,
			act.MachineName, act.OSVersion, act.AppVersion, now, now)
		if err != nil {
			return false, fmt.Errorf("insert activation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit activation: %w", err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("look up activation: %w", err)

	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE activations
			 SET last_seen = ?, verify_count = verify_count + 1,
			     machine_name = ?, os_version = ?, app_version = ?
			 WHERE id = ?`,
			now, act.MachineName, act.OSVersion, act.AppVersion, existingID)
		if err != nil {
			return false, fmt.Errorf("update activation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit activation: %w", err)
		}
		return false, nil
	}
}

// MachineCount returns the number of distinct machines a key is active on.
func (r *Registry) MachineCount(ctx context.Context, licenseKey string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(DISTINCT machine_id) FROM activations WHERE license_key = ?`,
		licenseKey)
	if err != nil {
		return 0, fmt.Errorf("count machines: %w", err)
	}
	return count, nil
}

// IsKnownMachine reports whether this (key, machine) pairing already exists.
func (r *Registry) IsKnownMachine(ctx context.Context, licenseKey, machineID string) (bool, error) {
	var known bool
	err := r.db.GetContext(ctx, &known,
		`SELECT EXISTS(SELECT 1 FROM activations WHERE license_key = ? AND machine_id = ?)`,
		licenseKey, machineID)
	if err != nil {
		return false, fmt.Errorf("look up machine: %w", err)
	}
	return known, nil
}

// List returns every activation ordered by first sighting.
func (r *Registry) List(ctx context.Context) ([]Activation, error) {
	var rows []activationRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, license_key, factory_id, machine_id, machine_name, os_version, app_version, first_seen, last_seen, verify_count
		 FROM activations ORDER BY first_seen, id`)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}

	activations := make([]Activation, 0, len(rows))
	for _, row := range rows {
		activations = append(activations, row.toActivation())
	}
	return activations, nil
}

// ExportCSV writes every activation as CSV for support reporting.
func (r *Registry) ExportCSV(ctx context.Context, w io.Writer) error {
	activations, err := r.List(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"license_key", "factory_id", "machine_id", "machine_name", "os_version", "app_version", "first_seen", "last_seen", "verify_count"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, act := range activations {
		record := []string{
			act.LicenseKey,
			act.FactoryID,
			act.MachineID,
			act.MachineName,
			act.OSVersion,
			act.AppVersion,
			act.FirstSeen.Format(time.RFC3339),
			act.LastSeen.Format(time.RFC3339),
			strconv.FormatInt(act.VerifyCount, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

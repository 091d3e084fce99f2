package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scanmaster/internal/infrastructure"
	"scanmaster/internal/security"
)

// Store persists the license record encrypted at rest: a primary file plus
// a backup copy, each holding "hex(iv):hex(ciphertext)". All access is
// serialized by one mutex so concurrent activations cannot interleave
// reads and writes on the pair.
type Store struct {
	cipher      *security.Cipher
	primaryPath string
	backupPath  string
	logger      *slog.Logger
	mu          sync.Mutex
}

// NewStore creates a store over the given file pair.
func NewStore(cipher *security.Cipher, primaryPath, backupPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cipher:      cipher,
		primaryPath: primaryPath,
		backupPath:  backupPath,
		logger:      logger.With(slog.String("component", "license_store")),
	}
}

// Read loads and decrypts the primary license file and evaluates expiry
// against the current time. Decode failures of any kind are reported as
// StatusCorrupted in the result, never as an error; the returned error is
// reserved for unexpected I/O failures.
func (s *Store) Read(ctx context.Context) (ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

func (s *Store) readLocked(ctx context.Context) (ReadResult, error) {
	logger := infrastructure.LoggerWithContext(ctx)

	data, err := os.ReadFile(s.primaryPath)
	if os.IsNotExist(err) {
		return ReadResult{Status: StatusNotActivated}, nil
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("read license file: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(string(data))
	if err != nil {
		logger.Warn("license file failed to decrypt",
			slog.String("path", s.primaryPath),
			slog.String("error", err.Error()),
		)
		return ReadResult{Status: StatusCorrupted, Detail: err}, nil
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		logger.Warn("license payload malformed after decryption",
			slog.String("path", s.primaryPath),
			slog.String("error", err.Error()),
		)
		return ReadResult{Status: StatusCorrupted, Detail: fmt.Errorf("decode record: %w", err)}, nil
	}
	if rec.LicenseKey == "" || rec.ActivationType == "" {
		return ReadResult{Status: StatusCorrupted, Detail: fmt.Errorf("record incomplete")}, nil
	}

	if rec.Expired(time.Now()) {
		return ReadResult{Status: StatusExpired, Record: &rec}, nil
	}
	return ReadResult{Status: StatusValid, Record: &rec}, nil
}

// Write encrypts and persists the record: primary file first, then an
// identical backup. The pair is not written transactionally; a crash
// between the two writes can leave them diverging, which RestoreFromBackup
// exists to repair.
func (s *Store) Write(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := infrastructure.LoggerWithContext(ctx)

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	sealed, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.primaryPath), 0o755); err != nil {
		return fmt.Errorf("create license directory: %w", err)
	}
	if err := os.WriteFile(s.primaryPath, []byte(sealed), 0o600); err != nil {
		return fmt.Errorf("write license file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.backupPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if err := os.WriteFile(s.backupPath, []byte(sealed), 0o600); err != nil {
		return fmt.Errorf("write backup file: %w", err)
	}

	logger.Info("license record persisted",
		slog.String("path", s.primaryPath),
		slog.String("activation_type", rec.ActivationType),
		slog.Bool("lifetime", rec.IsLifetime),
	)
	return nil
}

// Deactivate removes the primary and backup files. Missing files are a
// no-op, not an error.
func (s *Store) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.primaryPath, s.backupPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	infrastructure.LoggerWithContext(ctx).Info("license files removed",
		slog.String("path", s.primaryPath),
	)
	return nil
}

// RestoreFromBackup copies the backup file over the primary. It returns
// false when no backup exists.
func (s *Store) RestoreFromBackup(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.backupPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read backup file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.primaryPath), 0o755); err != nil {
		return false, fmt.Errorf("create license directory: %w", err)
	}
	if err := os.WriteFile(s.primaryPath, data, 0o600); err != nil {
		return false, fmt.Errorf("restore license file: %w", err)
	}

	infrastructure.LoggerWithContext(ctx).Info("license restored from backup",
		slog.String("path", s.primaryPath),
	)
	return true, nil
}

// PrimaryPath returns the primary license file location.
func (s *Store) PrimaryPath() string { return s.primaryPath }

// BackupPath returns the backup file location.
func (s *Store) BackupPath() string { return s.backupPath }

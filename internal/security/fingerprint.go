// Package security provides machine identity and the at-rest encryption
// primitives the license store builds on.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// fingerprintLength is the number of hex characters kept from the digest.
const fingerprintLength = 32

// MachineInfo is the exported view of the local machine identity.
type MachineInfo struct {
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// Identity derives a stable fingerprint for the local machine. The
// fingerprint hashes the sorted set of hardware MAC addresses together
// with hostname, OS, and CPU architecture; it is deterministic for a
// given OS install and computed once per process.
type Identity struct {
	logger *slog.Logger

	once sync.Once
	info MachineInfo
}

// NewIdentity creates a machine identity provider.
func NewIdentity(logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{logger: logger.With(slog.String("component", "machine_identity"))}
}

// Fingerprint returns the 32-character machine fingerprint.
func (id *Identity) Fingerprint() string {
	return id.Info().MachineID
}

// Info returns the machine identity, computing it on first use.
func (id *Identity) Info() MachineInfo {
	id.once.Do(func() {
		id.info = computeInfo(id.logger)
	})
	return id.info
}

// computeInfo is total: hosts without usable MAC addresses still hash the
// hostname/platform factors, so identity derivation never fails.
func computeInfo(logger *slog.Logger) MachineInfo {
	macs := hardwareAddresses(logger)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
		logger.Warn("hostname unavailable, using fallback")
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))

	factors := make([]string, 0, len(macs)+3)
	factors = append(factors, macs...)
	factors = append(factors, hostname, runtime.GOOS, runtime.GOARCH)

	sum := sha256.Sum256([]byte(strings.Join(factors, "|")))
	fingerprint := hex.EncodeToString(sum[:])[:fingerprintLength]

	logger.Debug("machine fingerprint computed",
		slog.String("machine_id", MaskMachineID(fingerprint)),
		slog.Int("mac_count", len(macs)),
		slog.String("hostname", hostname))

	return MachineInfo{
		MachineID: fingerprint,
		Hostname:  hostname,
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// hardwareAddresses collects every non-zero MAC address, sorted so the
// fingerprint is independent of interface enumeration order.
func hardwareAddresses(logger *slog.Logger) []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		logger.Warn("network interface enumeration failed",
			slog.String("error", err.Error()))
		return nil
	}

	var macs []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, mac)
	}

	sort.Strings(macs)
	return macs
}

// MaskMachineID hides the middle of a machine ID for logs and
// support-facing metadata.
func MaskMachineID(machineID string) string {
	if len(machineID) <= 8 {
		return machineID
	}
	return machineID[:4] + "..." + machineID[len(machineID)-4:]
}

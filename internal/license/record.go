package license

import (
	"strings"
	"time"
)

// Activation types recorded on persisted licenses.
const (
	ActivationOnline  = "online"
	ActivationOffline = "offline"
)

// Record is the persisted license record. It is created only by a
// successful activation and written encrypted; there is no partial or
// update-in-place state. Reactivation always builds a fresh record from a
// freshly parsed key.
type Record struct {
	LicenseKey     string     `json:"license_key"`
	FactoryID      string     `json:"factory_id"`
	FactoryName    string     `json:"factory_name"`
	Standards      []Standard `json:"standards"`
	StandardsToken string     `json:"standards_token"`

	// ExpiryDate is nil for lifetime licenses.
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	IsLifetime bool       `json:"is_lifetime"`

	ActivatedAt    time.Time `json:"activated_at"`
	ActivationType string    `json:"activation_type"`

	// MachineID is set for offline activations, which are bound to the
	// machine that generated the request code.
	MachineID string `json:"machine_id,omitempty"`
}

// NewRecord builds the record persisted by a successful activation.
func NewRecord(parsed *ParsedLicense, activationType, machineID string, now time.Time) *Record {
	rec := &Record{
		LicenseKey:     parsed.Raw,
		FactoryID:      parsed.FactoryID,
		FactoryName:    parsed.FactoryName,
		Standards:      append([]Standard(nil), parsed.Standards...),
		StandardsToken: parsed.StandardsToken,
		IsLifetime:     parsed.IsLifetime,
		ActivatedAt:    now.UTC(),
		ActivationType: activationType,
		MachineID:      machineID,
	}
	if !parsed.IsLifetime {
		expiry := parsed.ExpiryDate
		rec.ExpiryDate = &expiry
	}
	return rec
}

// Expired reports whether the record is expired at the given time. Expiry
// is date-granular: a license expiring today remains valid through the end
// of that day. Lifetime records never expire.
func (r *Record) Expired(now time.Time) bool {
	if r.IsLifetime || r.ExpiryDate == nil {
		return false
	}
	return dateOnly(now).After(dateOnly(*r.ExpiryDate))
}

// DaysUntilExpiry returns whole days until the record expires, with 0 on
// the final valid day and negative values once expired. ok is false for
// lifetime records, which have no expiry.
func (r *Record) DaysUntilExpiry(now time.Time) (days int, ok bool) {
	if r.IsLifetime || r.ExpiryDate == nil {
		return 0, false
	}
	diff := dateOnly(*r.ExpiryDate).Sub(dateOnly(now))
	return int(diff.Hours() / 24), true
}

// HasStandard reports whether the record grants the full standard code.
func (r *Record) HasStandard(code string) bool {
	for _, std := range r.Standards {
		if strings.EqualFold(std.Code, code) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached records cannot be mutated by callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Standards = append([]Standard(nil), r.Standards...)
	if r.ExpiryDate != nil {
		expiry := *r.ExpiryDate
		out.ExpiryDate = &expiry
	}
	return &out
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Status classifies the persisted license state as seen by a read. It is a
// value, not an error: every read path reports one of these instead of
// failing.
type Status int

const (
	// StatusNotActivated means no license file exists.
	StatusNotActivated Status = iota
	// StatusValid means a record was decrypted and is not expired.
	StatusValid
	// StatusExpired means a record was decrypted but its expiry date has
	// passed.
	StatusExpired
	// StatusCorrupted means a file exists but could not be decrypted or
	// decoded.
	StatusCorrupted
)

// String returns the wire name used in logs and API responses.
func (s Status) String() string {
	switch s {
	case StatusNotActivated:
		return "not_activated"
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	case StatusCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// ReadResult is the outcome of reading the persisted license.
type ReadResult struct {
	Status Status
	// Record is populated for StatusValid and StatusExpired; an expired
	// record still exists on disk and keeps its details readable.
	Record *Record
	// Detail carries the decode failure for StatusCorrupted.
	Detail error
}

package license

import (
	"fmt"
	"strings"
	"time"

	apperrors "scanmaster/internal/errors"
)

const (
	// factoryTag is the fixed first field of every factory ID.
	factoryTag = "FAC"

	// lifetimeToken marks a key that never expires.
	lifetimeToken = "LIFETIME"

	// keyFieldCount is the exact number of hyphen delimited fields after
	// the product prefix. Keys with more or fewer fields are rejected
	// rather than silently truncated.
	keyFieldCount = 6

	expiryDateLayout = "20060102"
)

// ParsedLicense is the fully validated result of parsing a license key.
// Codec.Parse never returns a partially populated value: by the time a
// ParsedLicense exists, the signature has been verified and the standards
// decoded.
type ParsedLicense struct {
	// Raw is the trimmed key exactly as entered, including the prefix.
	Raw string

	// FactoryID is the first three fields rejoined, e.g. "FAC-ACME-ABC123".
	FactoryID   string
	FactoryName string
	IssueToken  string

	StandardsToken string
	Standards      []Standard

	ExpiryToken string
	IsLifetime  bool
	// ExpiryDate is the zero time for lifetime keys.
	ExpiryDate time.Time

	Signature string
}

// Expired reports whether the key's expiry date has passed. Expiry is
// date-granular: a key expiring today is still live. Lifetime keys never
// expire.
func (p *ParsedLicense) Expired(now time.Time) bool {
	if p.IsLifetime {
		return false
	}
	return dateOnly(p.ExpiryDate).Before(dateOnly(now))
}

// Codec parses and composes license key strings for one product prefix.
type Codec struct {
	prefix  string
	signer  *Signer
	catalog *Catalog
}

// NewCodec creates a codec. The prefix is the two letter product prefix
// keys must start with.
func NewCodec(prefix string, signer *Signer, catalog *Catalog) *Codec {
	return &Codec{prefix: prefix, signer: signer, catalog: catalog}
}

// Parse validates a raw license key string and decodes it. Errors wrap one
// of the format layer sentinels: ErrInvalidFormat for structural problems,
// ErrInvalidExpiry for an unparseable expiry field, ErrInvalidSignature
// when the signature does not match, and ErrNoStandards when the standards
// field decodes to nothing. The signature comparison runs in constant time.
func (c *Codec) Parse(rawKey string) (*ParsedLicense, error) {
	key := strings.TrimSpace(rawKey)
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", apperrors.ErrInvalidFormat)
	}

	prefix := c.prefix + "-"
	if !strings.HasPrefix(key, prefix) {
		return nil, fmt.Errorf("%w: key must start with %q", apperrors.ErrInvalidFormat, prefix)
	}

	fields := strings.Split(key[len(prefix):], "-")
	if len(fields) != keyFieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", apperrors.ErrInvalidFormat, keyFieldCount, len(fields))
	}
	for i, f := range fields {
		if f == "" {
			return nil, fmt.Errorf("%w: field %d is empty", apperrors.ErrInvalidFormat, i+1)
		}
	}
	if fields[0] != factoryTag {
		return nil, fmt.Errorf("%w: unknown factory tag %q", apperrors.ErrInvalidFormat, fields[0])
	}

	factoryID := strings.Join(fields[0:3], "-")
	standardsToken := fields[3]
	expiryToken := fields[4]
	signature := fields[5]

	isLifetime := expiryToken == lifetimeToken
	var expiryDate time.Time
	if !isLifetime {
		var err error
		expiryDate, err = parseExpiryToken(expiryToken)
		if err != nil {
			return nil, err
		}
	}

	if !c.signer.VerifyKeySignature(factoryID, standardsToken, expiryToken, signature) {
		return nil, apperrors.ErrInvalidSignature
	}

	standards := c.catalog.Decode(standardsToken)
	if len(standards) == 0 {
		return nil, fmt.Errorf("%w: token %q matches no catalog entry", apperrors.ErrNoStandards, standardsToken)
	}

	return &ParsedLicense{
		Raw:            key,
		FactoryID:      factoryID,
		FactoryName:    fields[1],
		IssueToken:     fields[2],
		StandardsToken: standardsToken,
		Standards:      standards,
		ExpiryToken:    expiryToken,
		IsLifetime:     isLifetime,
		ExpiryDate:     expiryDate,
		Signature:      strings.ToUpper(signature),
	}, nil
}

// Compose builds and signs a license key from its logical parts. It is the
// issuing-side inverse of Parse: any key Compose returns parses cleanly
// with the same codec configuration.
func (c *Codec) Compose(factoryName, issueToken, standardsToken, expiryToken string) (string, error) {
	for _, part := range []struct{ name, value string }{
		{"factory name", factoryName},
		{"issue token", issueToken},
	} {
		if part.value == "" {
			return "", fmt.Errorf("%s must not be empty", part.name)
		}
		if strings.ContainsAny(part.value, "-: \t") {
			return "", fmt.Errorf("%s %q must not contain separators", part.name, part.value)
		}
	}

	if len(c.catalog.Decode(standardsToken)) == 0 {
		return "", fmt.Errorf("standards token %q matches no catalog entry", standardsToken)
	}

	if expiryToken != lifetimeToken {
		if _, err := parseExpiryToken(expiryToken); err != nil {
			return "", err
		}
	}

	factoryID := factoryTag + "-" + factoryName + "-" + issueToken
	signature := c.signer.KeySignature(factoryID, standardsToken, expiryToken)

	return c.prefix + "-" + factoryID + "-" + standardsToken + "-" + expiryToken + "-" + signature, nil
}

// Prefix returns the product prefix this codec accepts.
func (c *Codec) Prefix() string {
	return c.prefix
}

func parseExpiryToken(token string) (time.Time, error) {
	if len(token) != 8 {
		return time.Time{}, fmt.Errorf("%w: %q is neither %s nor an 8 digit date", apperrors.ErrInvalidExpiry, token, lifetimeToken)
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return time.Time{}, fmt.Errorf("%w: %q contains a non-digit", apperrors.ErrInvalidExpiry, token)
		}
	}
	date, err := time.Parse(expiryDateLayout, token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a calendar date", apperrors.ErrInvalidExpiry, token)
	}
	return date, nil
}

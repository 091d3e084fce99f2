// Package issuer creates license keys and offline activation responses on
// the vendor side. It is the counterpart to the parsing and verification
// done inside the host application: everything issued here must round-trip
// through the same codec.
package issuer

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"scanmaster/internal/license"
)

// tokenAlphabet matches the activation code alphabet: no 0/O or 1/I, so
// keys survive manual transcription.
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// issueTokenLength is the length of generated issue tokens.
const issueTokenLength = 6

// Issuer mints and inspects license keys for one product prefix.
type Issuer struct {
	codec   *license.Codec
	signer  *license.Signer
	catalog *license.Catalog
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an issuer. The codec, signer, and catalog must be built from
// the same secret and prefix the host application verifies against.
func New(codec *license.Codec, signer *license.Signer, catalog *license.Catalog, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		codec:   codec,
		signer:  signer,
		catalog: catalog,
		logger:  logger.With(slog.String("component", "issuer")),
		now:     time.Now,
	}
}

// IssueParams describes the license to mint.
type IssueParams struct {
	// FactoryName identifies the customer site, e.g. "ACME".
	FactoryName string

	// IssueToken pins the batch token. Generated when empty.
	IssueToken string

	// Standards lists the catalog short codes the key unlocks.
	Standards []string

	// Lifetime issues a key that never expires. Mutually exclusive with
	// ExpiresOn.
	Lifetime bool

	// ExpiresOn is the last day the key is valid, date granular.
	ExpiresOn time.Time
}

// Issue mints a signed license key and returns it fully parsed. The
// parsed form's Raw field is the key to hand to the customer.
func (i *Issuer) Issue(params IssueParams) (*license.ParsedLicense, error) {
	if params.FactoryName == "" {
		return nil, fmt.Errorf("factory name is required")
	}
	if params.Lifetime && !params.ExpiresOn.IsZero() {
		return nil, fmt.Errorf("a key is either lifetime or dated, not both")
	}
	if !params.Lifetime && params.ExpiresOn.IsZero() {
		return nil, fmt.Errorf("either --lifetime or an expiry date is required")
	}

	standardsToken, err := i.catalog.EncodeTokens(params.Standards)
	if err != nil {
		return nil, err
	}

	expiryToken := "LIFETIME"
	if !params.Lifetime {
		expiryToken = params.ExpiresOn.Format("20060102")
		if expiryToken < i.now().Format("20060102") {
			return nil, fmt.Errorf("expiry date %s is already in the past", params.ExpiresOn.Format("2006-01-02"))
		}
	}

	issueToken := strings.ToUpper(strings.TrimSpace(params.IssueToken))
	if issueToken == "" {
		issueToken, err = randomToken(issueTokenLength)
		if err != nil {
			return nil, fmt.Errorf("generate issue token: %w", err)
		}
	}

	key, err := i.codec.Compose(strings.ToUpper(params.FactoryName), issueToken, standardsToken, expiryToken)
	if err != nil {
		return nil, err
	}

	parsed, err := i.codec.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("issued key failed verification: %w", err)
	}

	i.logger.Info("license issued",
		slog.String("factory_id", parsed.FactoryID),
		slog.String("standards", standardsToken),
		slog.String("expiry", expiryToken))

	return parsed, nil
}

// Inspect parses and verifies a key, returning its decoded contents.
func (i *Issuer) Inspect(key string) (*license.ParsedLicense, error) {
	return i.codec.Parse(key)
}

// SupportResponse derives the offline activation response code for a
// customer machine. The machine ID comes from the customer's machine
// endpoint; the factory ID from their license key.
func (i *Issuer) SupportResponse(machineID, factoryID string) (string, error) {
	machineID = strings.TrimSpace(machineID)
	factoryID = strings.ToUpper(strings.TrimSpace(factoryID))

	if machineID == "" {
		return "", fmt.Errorf("machine ID is required")
	}
	if strings.Count(factoryID, "-") < 2 {
		return "", fmt.Errorf("factory ID %q must look like FAC-NAME-TOKEN", factoryID)
	}

	prefix := i.signer.ResponsePrefix(machineID, factoryID)
	return license.GroupCode(prefix), nil
}

// randomToken draws length characters from the token alphabet. The
// alphabet size divides 256, so modular reduction stays uniform.
func randomToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

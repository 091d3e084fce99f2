package license

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "scanmaster/internal/errors"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	return NewCodec("SM", NewSigner("codec-test-secret"), DefaultCatalog())
}

func TestComposeParseRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name        string
		factoryName string
		issueToken  string
		standards   string
		expiry      string
		wantCodes   []string
		wantLife    bool
	}{
		{
			name:        "lifetime two standards",
			factoryName: "ACME",
			issueToken:  "ABC123",
			standards:   "AMSASTM",
			expiry:      "LIFETIME",
			wantCodes:   []string{"AMS-STD-2154", "ASTM-A388"},
			wantLife:    true,
		},
		{
			name:        "dated single standard",
			factoryName: "NORDFORGE",
			issueToken:  "X9Y8Z7",
			standards:   "SEP",
			expiry:      "20301231",
			wantCodes:   []string{"SEP-1921"},
		},
		{
			name:        "full catalog",
			factoryName: "GLOBAL",
			issueToken:  "Q1W2E3",
			standards:   "AMSASTMBSENEN4SEPAPI",
			expiry:      "20271115",
			wantCodes:   []string{"AMS-STD-2154", "ASTM-A388", "BS-EN-10228-3", "BS-EN-10228-4", "SEP-1921", "API-6A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := codec.Compose(tt.factoryName, tt.issueToken, tt.standards, tt.expiry)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(key, "SM-FAC-"))

			parsed, err := codec.Parse(key)
			require.NoError(t, err)

			assert.Equal(t, key, parsed.Raw)
			assert.Equal(t, "FAC-"+tt.factoryName+"-"+tt.issueToken, parsed.FactoryID)
			assert.Equal(t, tt.factoryName, parsed.FactoryName)
			assert.Equal(t, tt.issueToken, parsed.IssueToken)
			assert.Equal(t, tt.standards, parsed.StandardsToken)
			assert.Equal(t, tt.wantCodes, codesOf(parsed.Standards))
			assert.Equal(t, tt.wantLife, parsed.IsLifetime)

			if !tt.wantLife {
				expected, err := time.Parse("20060102", tt.expiry)
				require.NoError(t, err)
				assert.True(t, parsed.ExpiryDate.Equal(expected))
			} else {
				assert.True(t, parsed.ExpiryDate.IsZero())
			}
		})
	}
}

func TestParseAcceptsSurroundingWhitespace(t *testing.T) {
	codec := newTestCodec(t)
	key, err := codec.Compose("ACME", "ABC123", "AMS", "LIFETIME")
	require.NoError(t, err)

	parsed, err := codec.Parse("  " + key + "\n")
	require.NoError(t, err)
	assert.Equal(t, key, parsed.Raw)
}

func TestParseSignatureCaseInsensitive(t *testing.T) {
	codec := newTestCodec(t)
	key, err := codec.Compose("ACME", "ABC123", "AMS", "LIFETIME")
	require.NoError(t, err)

	idx := strings.LastIndex(key, "-")
	lowered := key[:idx+1] + strings.ToLower(key[idx+1:])

	parsed, err := codec.Parse(lowered)
	require.NoError(t, err)
	assert.Equal(t, key[idx+1:], parsed.Signature, "signature is stored upper-cased")
}

func TestParseFormatErrors(t *testing.T) {
	codec := newTestCodec(t)
	valid, err := codec.Compose("ACME", "ABC123", "AMS", "LIFETIME")
	require.NoError(t, err)
	sig := valid[strings.LastIndex(valid, "-")+1:]

	tests := []struct {
		name string
		key  string
	}{
		{name: "empty", key: ""},
		{name: "whitespace only", key: "   "},
		{name: "wrong prefix", key: strings.Replace(valid, "SM-", "ZZ-", 1)},
		{name: "no prefix", key: strings.TrimPrefix(valid, "SM-")},
		{name: "missing field", key: "SM-FAC-ACME-AMS-LIFETIME-" + sig},
		{name: "extra field", key: "SM-FAC-ACME-ABC123-EXTRA-AMS-LIFETIME-" + sig},
		{name: "empty field", key: "SM-FAC--ABC123-AMS-LIFETIME-" + sig},
		{name: "wrong factory tag", key: "SM-FAB-ACME-ABC123-AMS-LIFETIME-" + sig},
		{name: "unrelated text", key: "SM-not a license key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Parse(tt.key)
			assert.ErrorIs(t, err, apperrors.ErrInvalidFormat)
		})
	}
}

func TestParseExpiryErrors(t *testing.T) {
	codec := newTestCodec(t)
	signer := NewSigner("codec-test-secret")

	makeKey := func(expiry string) string {
		sig := signer.KeySignature("FAC-ACME-ABC123", "AMS", expiry)
		return "SM-FAC-ACME-ABC123-AMS-" + expiry + "-" + sig
	}

	tests := []struct {
		name   string
		expiry string
	}{
		{name: "seven digits", expiry: "2030123"},
		{name: "nine digits", expiry: "203012311"},
		{name: "non-digit", expiry: "2030123X"},
		{name: "month thirteen", expiry: "20301331"},
		{name: "day out of range", expiry: "20300230"},
		{name: "lowercase lifetime", expiry: "lifetime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Parse(makeKey(tt.expiry))
			assert.ErrorIs(t, err, apperrors.ErrInvalidExpiry)
		})
	}
}

func TestParseExpiryCheckedBeforeSignature(t *testing.T) {
	codec := newTestCodec(t)

	// Both the expiry field and the signature are wrong; the expiry error
	// wins because it is evaluated first.
	_, err := codec.Parse("SM-FAC-ACME-ABC123-AMS-2030123X-000000000000")
	assert.ErrorIs(t, err, apperrors.ErrInvalidExpiry)
}

func TestParseInvalidSignature(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Parse("SM-FAC-ACME-ABC123-AMS-LIFETIME-000000000000")
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
}

func TestMutatingAnyFieldCharacterInvalidatesSignature(t *testing.T) {
	codec := newTestCodec(t)
	key, err := codec.Compose("ACME", "ABC123", "AMSASTM", "20301231")
	require.NoError(t, err)

	sigStart := strings.LastIndex(key, "-") + 1
	prefixEnd := len("SM-")

	flip := func(b byte) byte {
		if b == 'Z' {
			return 'Y'
		}
		if b >= 'A' && b < 'Z' {
			return b + 1
		}
		if b == '9' {
			return '8'
		}
		if b >= '0' && b < '9' {
			return b + 1
		}
		return 'Z'
	}

	for i := prefixEnd; i < sigStart-1; i++ {
		if key[i] == '-' {
			continue
		}
		mutated := key[:i] + string(flip(key[i])) + key[i+1:]

		_, err := codec.Parse(mutated)
		require.Error(t, err, "mutation at index %d must never be accepted", i)

		switch {
		case errors.Is(err, apperrors.ErrInvalidFormat), errors.Is(err, apperrors.ErrInvalidExpiry):
			// Mutations of the factory tag or the date digits can fail
			// structurally before the signature check runs.
		default:
			assert.ErrorIs(t, err, apperrors.ErrInvalidSignature, "mutation at index %d: %s", i, mutated)
		}
	}
}

func TestMutatingSignatureRejects(t *testing.T) {
	codec := newTestCodec(t)
	key, err := codec.Compose("ACME", "ABC123", "AMS", "LIFETIME")
	require.NoError(t, err)

	sigStart := strings.LastIndex(key, "-") + 1
	for i := sigStart; i < len(key); i++ {
		c := key[i]
		var repl byte = 'F'
		if c == 'F' {
			repl = 'A'
		}
		mutated := key[:i] + string(repl) + key[i+1:]
		if mutated == key {
			continue
		}

		_, err := codec.Parse(mutated)
		assert.ErrorIs(t, err, apperrors.ErrInvalidSignature, "signature mutation at index %d", i)
	}
}

func TestParseNoStandards(t *testing.T) {
	codec := newTestCodec(t)
	signer := NewSigner("codec-test-secret")

	sig := signer.KeySignature("FAC-ACME-ABC123", "QQQ", "LIFETIME")
	_, err := codec.Parse("SM-FAC-ACME-ABC123-QQQ-LIFETIME-" + sig)
	assert.ErrorIs(t, err, apperrors.ErrNoStandards)
}

func TestComposeValidation(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name        string
		factoryName string
		issueToken  string
		standards   string
		expiry      string
	}{
		{name: "empty factory name", factoryName: "", issueToken: "A1", standards: "AMS", expiry: "LIFETIME"},
		{name: "hyphen in factory name", factoryName: "AC-ME", issueToken: "A1", standards: "AMS", expiry: "LIFETIME"},
		{name: "space in issue token", factoryName: "ACME", issueToken: "A 1", standards: "AMS", expiry: "LIFETIME"},
		{name: "unknown standards", factoryName: "ACME", issueToken: "A1", standards: "ZZZ", expiry: "LIFETIME"},
		{name: "bad expiry", factoryName: "ACME", issueToken: "A1", standards: "AMS", expiry: "2030"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Compose(tt.factoryName, tt.issueToken, tt.standards, tt.expiry)
			assert.Error(t, err)
		})
	}
}

func TestParseWithDifferentPrefix(t *testing.T) {
	signer := NewSigner("codec-test-secret")
	codec := NewCodec("XX", signer, DefaultCatalog())

	key, err := codec.Compose("ACME", "ABC123", "AMSASTM", "LIFETIME")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "XX-FAC-ACME-ABC123-AMSASTM-LIFETIME-"))

	parsed, err := codec.Parse(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"AMS-STD-2154", "ASTM-A388"}, codesOf(parsed.Standards))

	_, err = newTestCodec(t).Parse(key)
	assert.ErrorIs(t, err, apperrors.ErrInvalidFormat, "other product prefixes are rejected")
}

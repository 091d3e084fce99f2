package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// signatureLength is the length of the truncated hex signature
	// embedded in license keys.
	signatureLength = 12

	// requestCodeLength and responsePrefixLength size the offline
	// activation codes before grouping.
	requestCodeLength    = 16
	responsePrefixLength = 12

	// minResponseCodeLength is the shortest normalized response code the
	// offline protocol accepts.
	minResponseCodeLength = 12

	codeGroupSize = 4

	// codeAlphabet is the restricted alphabet for human-transcribed
	// activation codes. It drops 0/O and 1/I to avoid transcription
	// mistakes.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	requestTimeLayout = "20060102150405"
)

// Signer computes the keyed signatures used across the subsystem: license
// key signatures, offline request codes, and offline verification prefixes.
// All three share the same secret and hash so that the binary that parsed a
// key can also verify activation codes for it.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer keyed with the shared product secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) mac(message string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return h.Sum(nil)
}

// Sign computes the truncated signature of data: HMAC-SHA256 rendered as
// lowercase hex, cut to the first 12 characters, upper-cased.
func (s *Signer) Sign(data string) string {
	return strings.ToUpper(hex.EncodeToString(s.mac(data))[:signatureLength])
}

// KeySignature signs the three logical fields of a license key.
func (s *Signer) KeySignature(factoryID, standardsToken, expiryToken string) string {
	return s.Sign(factoryID + ":" + standardsToken + ":" + expiryToken)
}

// VerifyKeySignature checks a key's signature field against the expected
// value in constant time. The provided signature is compared
// case-insensitively.
func (s *Signer) VerifyKeySignature(factoryID, standardsToken, expiryToken, signature string) bool {
	expected := s.KeySignature(factoryID, standardsToken, expiryToken)
	provided := strings.ToUpper(signature)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// code derives length characters of the restricted alphabet from the keyed
// hash of message. 256 is an exact multiple of the alphabet size, so the
// per-byte reduction stays uniform.
func (s *Signer) code(message string, length int) string {
	sum := s.mac(message)
	out := make([]byte, length)
	for i := range out {
		out[i] = codeAlphabet[int(sum[i%len(sum)])%len(codeAlphabet)]
	}
	return string(out)
}

// RequestCode derives the offline activation request code for a machine at
// the given moment, grouped for manual transcription.
func (s *Signer) RequestCode(machineID string, at time.Time) string {
	raw := s.code(machineID+":"+at.UTC().Format(requestTimeLayout), requestCodeLength)
	return GroupCode(raw)
}

// ResponsePrefix derives the prefix a valid offline activation response
// must start with for the given machine and factory.
func (s *Signer) ResponsePrefix(machineID, factoryID string) string {
	return s.code(machineID+":"+factoryID, responsePrefixLength)
}

// MatchesResponsePrefix checks a normalized response code against the
// expected machine/factory prefix in constant time. The caller normalizes
// and length-checks the code first.
func (s *Signer) MatchesResponsePrefix(normalizedCode, machineID, factoryID string) bool {
	expected := s.ResponsePrefix(machineID, factoryID)
	if len(normalizedCode) < len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(normalizedCode[:len(expected)]), []byte(expected)) == 1
}

// NormalizeCode strips group separators and whitespace from a manually
// transcribed activation code and upper-cases it.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(b.String())
}

// GroupCode inserts a hyphen every four characters for readability.
func GroupCode(code string) string {
	if len(code) <= codeGroupSize {
		return code
	}
	var b strings.Builder
	for i, r := range code {
		if i > 0 && i%codeGroupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// storageSalt is the fixed KDF salt for the license store. The salt is
// deliberately constant: the store must be decryptable by any build of the
// product sharing the same secret, with no per-install key material.
var storageSalt = []byte("scanmaster-license-store-v1")

// scrypt cost parameters, interactive profile.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// ErrDecryptionFailed covers every way a stored blob can fail to come
// back: bad encoding, wrong key, truncated ciphertext, broken padding.
// Callers report it as a corrupted store, never as a crash.
var ErrDecryptionFailed = errors.New("decryption failed")

// Cipher encrypts and decrypts license records with a key derived from
// the shared product secret.
type Cipher struct {
	key []byte
}

// NewCipher derives the AES-256 key from the secret via scrypt. Derivation
// is intentionally slow and happens once at construction.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	key, err := scrypt.Key([]byte(secret), storageSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive storage key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext with AES-256-CBC under a fresh random IV and
// returns the storage encoding "hex(iv):hex(ciphertext)".
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Every malformed input maps to
// ErrDecryptionFailed with a wrapped detail.
func (c *Cipher) Decrypt(stored string) ([]byte, error) {
	ivHex, cipherHex, ok := strings.Cut(strings.TrimSpace(stored), ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing iv separator", ErrDecryptionFailed)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("%w: iv not hex", ErrDecryptionFailed)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecryptionFailed, len(iv))
	}

	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext not hex", ErrDecryptionFailed)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptionFailed, len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpadPKCS7(plaintext, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, err.Error())
	}
	return unpadded, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}

// Package crypto provides the cryptographic primitives used by sessionguard.
//
// This package implements:
//   - Password hashing with Argon2id
//   - Symmetric encryption with AES-256-GCM for TOTP secrets at rest
//   - Key derivation with HKDF-SHA256
//   - HS256 token minting and parsing (see tokens.go)
//   - Canonical JSON signing for alert payloads and delivery receipts (see signing.go)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters (OWASP recommendation).
const (
	Argon2Time      = 3
	Argon2Memory    = 64 * 1024
	Argon2Threads   = 4
	Argon2KeyLen    = 32
	DefaultSaltSize = 16
)

// DerivedKeys holds the keys derived from the master encryption key.
type DerivedKeys struct {
	// TOTPKey encrypts TOTP secrets.
	TOTPKey []byte
	// MetaKey keys the hash used for client IPs in logs and trackers.
	MetaKey []byte
}

// DeriveKeys derives purpose-specific keys from a 32-byte master key using HKDF.
func DeriveKeys(mek []byte) (DerivedKeys, error) {
	if len(mek) != 32 {
		return DerivedKeys{}, errors.New("master key must be 32 bytes")
	}

	totpKey, err := hkdfKey(mek, "sessionguard_totp")
	if err != nil {
		return DerivedKeys{}, err
	}
	metaKey, err := hkdfKey(mek, "sessionguard_meta")
	if err != nil {
		return DerivedKeys{}, err
	}

	return DerivedKeys{TOTPKey: totpKey, MetaKey: metaKey}, nil
}

func hkdfKey(mek []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, mek, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns the ciphertext and nonce (both required for decryption).
func Encrypt(plaintext []byte, key []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt(size int) ([]byte, error) {
	if size < 8 {
		return nil, errors.New("salt size must be at least 8 bytes")
	}
	return RandomBytes(size)
}

// HashPassword hashes a password using Argon2id.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
}

// VerifyPassword verifies a password against a hash in constant time.
func VerifyPassword(password string, hash, salt []byte) bool {
	return ConstantTimeEquals(HashPassword(password, salt), hash)
}

// ConstantTimeEquals compares two byte slices in constant time.
func ConstantTimeEquals(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes generates cryptographically secure random bytes.
func RandomBytes(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.New("size must be positive")
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomToken generates a hex encoded random token of length bytes.
func RandomToken(length int) (string, error) {
	b, err := RandomBytes(length)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MaskEmail masks an email address for logs (e.g. ab****@gm****).
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}

	local, domain := email[:at], email[at+1:]
	if domain == "" {
		return local[:1] + "***@***"
	}

	maskedDomain := "****"
	if len(domain) >= 2 {
		maskedDomain = domain[:2] + "****"
	}
	return local[:2] + "****@" + maskedDomain
}

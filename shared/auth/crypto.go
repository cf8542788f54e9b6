package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// ──────────────────────────────────────────────────────────────────────────────
// Hashing
// ──────────────────────────────────────────────────────────────────────────────

// HashToken returns the hex SHA-256 of a raw setup token. Only this value is
// ever persisted for a claim.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// HashDeviceKey returns the hex SHA-256 of a raw device key.
func HashDeviceKey(raw string) string {
	return HashToken(raw)
}

// CompareHash reports whether hashing raw yields wantHash, in constant time.
func CompareHash(raw, wantHash string) bool {
	got := HashToken(raw)
	return hmac.Equal([]byte(got), []byte(wantHash))
}

// ──────────────────────────────────────────────────────────────────────────────
// HMAC signatures
// ──────────────────────────────────────────────────────────────────────────────

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}

// ──────────────────────────────────────────────────────────────────────────────
// Secret encryption (farm broker secrets)
// ──────────────────────────────────────────────────────────────────────────────

var errCiphertext = errors.New("auth: malformed ciphertext")

// SecretBox encrypts and decrypts small secrets with AES-256-GCM. The AES key
// is derived from operator-supplied key material with HKDF-SHA256, so any
// length of BRIDGE_ENCRYPTION_KEY is accepted.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives the AES key from keyMaterial.
func NewSecretBox(keyMaterial string) (*SecretBox, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("auth: empty encryption key")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(keyMaterial), nil, []byte("bridge-secret-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("auth: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("auth: aes init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("auth: gcm init: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("auth: nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Callers must keep the result in local scope only.
func (b *SecretBox) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errCiphertext
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns+b.aead.Overhead() {
		return "", errCiphertext
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", errCiphertext
	}
	return string(plain), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Random credentials
// ──────────────────────────────────────────────────────────────────────────────

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// NewSetupToken returns a fresh raw setup token (st_<base58(24 bytes)>).
func NewSetupToken() (string, error) {
	return randomCredential("st_", 24)
}

// NewDeviceKey returns a fresh raw device key (dk_<base58(32 bytes)>).
func NewDeviceKey() (string, error) {
	return randomCredential("dk_", 32)
}

func randomCredential(prefix string, n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: random: %w", err)
	}
	return prefix + base58Encode(b), nil
}

func base58Encode(input []byte) string {
	n := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	zero := big.NewInt(0)
	mod := new(big.Int)
	var result []byte
	for n.Cmp(zero) > 0 {
		n.DivMod(n, base, mod)
		result = append(result, base58Alphabet[mod.Int64()])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}

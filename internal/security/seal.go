package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// ErrSealIntegrity is returned when a sealed payload fails its integrity or
// authentication check.
var ErrSealIntegrity = errors.New("sealed payload integrity verification failed")

// SealConfig defines key derivation and AES-GCM parameters
type SealConfig struct {
	// SCRYPT parameters
	SCryptN      int // CPU/memory cost parameter
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // Key length in bytes (32 for AES-256)

	// AES-GCM parameters
	NonceSize int // 96-bit nonce size for GCM
	TagSize   int // 128-bit authentication tag
}

// SealedPayload is the on-disk envelope of a sealed record
type SealedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"auth_tag"`
	Integrity  []byte `json:"integrity"`
	Timestamp  int64  `json:"timestamp"`
}

// DefaultSealConfig returns the production sealing parameters
func DefaultSealConfig() *SealConfig {
	return &SealConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
		TagSize:      16,
	}
}

// ValidateSealConfig validates sealing parameters. allowWeak permits a low
// scrypt cost for tests.
func ValidateSealConfig(config *SealConfig, allowWeak bool) error {
	if config == nil {
		return errors.New("seal config cannot be nil")
	}
	if !allowWeak && config.SCryptN < 32768 {
		return errors.New("SCryptN must be at least 32768")
	}
	if config.SCryptN < 2 || config.SCryptN&(config.SCryptN-1) != 0 {
		return errors.New("SCryptN must be a power of two greater than 1")
	}
	if config.SCryptR < 1 || config.SCryptP < 1 {
		return errors.New("SCryptR and SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	if config.TagSize != 16 {
		return errors.New("TagSize must be 16 for AES-GCM")
	}
	return nil
}

// Seal encrypts plaintext with a key derived from appSecret and returns the
// JSON envelope.
func Seal(plaintext, appSecret []byte, config *SealConfig) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(appSecret) < 16 {
		return nil, errors.New("application secret must be at least 16 bytes")
	}
	if config == nil {
		config = DefaultSealConfig()
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, key, err := newGCM(appSecret, salt, config)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	nonce := make([]byte, config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-config.TagSize]
	authTag := sealed[len(sealed)-config.TagSize:]

	payload := SealedPayload{
		Version:    1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		AuthTag:    authTag,
		Integrity:  integrityHash(ciphertext, salt, nonce),
		Timestamp:  time.Now().Unix(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sealed payload: %w", err)
	}
	return data, nil
}

// Open reverses Seal. Any tampering with the envelope yields ErrSealIntegrity.
func Open(data, appSecret []byte, config *SealConfig) ([]byte, error) {
	if len(appSecret) < 16 {
		return nil, errors.New("application secret must be at least 16 bytes")
	}
	if config == nil {
		config = DefaultSealConfig()
	}

	var payload SealedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealIntegrity, err)
	}
	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}

	expected := integrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expected) != 1 {
		return nil, ErrSealIntegrity
	}
	if len(payload.Nonce) != config.NonceSize {
		return nil, ErrSealIntegrity
	}

	gcm, key, err := newGCM(appSecret, payload.Salt, config)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	full := make([]byte, 0, len(payload.Ciphertext)+len(payload.AuthTag))
	full = append(full, payload.Ciphertext...)
	full = append(full, payload.AuthTag...)

	plaintext, err := gcm.Open(nil, payload.Nonce, full, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealIntegrity, err)
	}
	return plaintext, nil
}

func newGCM(appSecret, salt []byte, config *SealConfig) (cipher.AEAD, []byte, error) {
	combined := make([]byte, 0, len(appSecret)+len(salt))
	combined = append(combined, appSecret...)
	combined = append(combined, salt...)

	key, err := scrypt.Key(combined, salt, config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		wipe(key)
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		wipe(key)
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, key, nil
}

// integrityHash binds the ciphertext to its salt and nonce
func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("MINEWATER-LICENSE-V1")) // Domain separator
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

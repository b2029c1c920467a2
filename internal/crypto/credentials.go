// Package crypto provides signal authentication and at-rest encryption of
// hub secrets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// ErrNotInitialized is returned by a CredentialManager that has no password
// or has been destroyed.
var ErrNotInitialized = errors.New("crypto: credential manager not initialized")

// sealedFile is the on-disk format of an encrypted secrets bundle.
type sealedFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// CredentialManager seals and opens secret bundles (HMAC secret, API keys,
// broker credentials) with a password. It holds the password only between
// Initialize and Destroy.
type CredentialManager struct {
	mu       sync.RWMutex
	password []byte
}

// NewCredentialManager returns an uninitialized manager.
func NewCredentialManager() *CredentialManager {
	return &CredentialManager{}
}

// Initialize loads the password.
func (m *CredentialManager) Initialize(password string) error {
	if password == "" {
		return errors.New("crypto: password must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.password = []byte(password)
	return nil
}

// Destroy wipes the password. Further Seal/Open calls fail.
func (m *CredentialManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.password {
		m.password[i] = 0
	}
	m.password = nil
}

// Seal encrypts secrets with PBKDF2-HMAC-SHA256 key derivation and
// AES-256-GCM.
func (m *CredentialManager) Seal(secrets map[string]string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.password) == 0 {
		return nil, ErrNotInitialized
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal secrets: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(m.password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := sealedFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// Open decrypts a bundle produced by Seal.
func (m *CredentialManager) Open(blob []byte) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.password) == 0 {
		return nil, ErrNotInitialized
	}

	var stored sealedFile
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed secrets: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(m.password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: bad nonce length %d", len(nonce))
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("crypto: parsing decrypted secrets: %w", err)
	}
	return secrets, nil
}

// OpenFile reads and decrypts a sealed bundle from path.
func (m *CredentialManager) OpenFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: reading sealed secrets: %w", err)
	}
	return m.Open(data)
}

func newGCM(password, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(password, salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("secrets: invalid encryption key")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")

	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("secrets: decryption failed")
)

const credentialKeyVersion = 1

// CredentialCipher seals backend credential maps with AES-256-GCM before
// they reach the config store. Ciphertext format is
// base64([version:1][nonce][sealed]) so the key can be rotated later.
type CredentialCipher struct {
	key []byte
}

// NewCredentialCipher derives a 32-byte AES key from the master key.
func NewCredentialCipher(masterKey []byte) (*CredentialCipher, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("%w: master key is required", ErrInvalidKey)
	}
	hash := sha256.Sum256(masterKey)
	return &CredentialCipher{key: hash[:]}, nil
}

// EncryptCredentials seals a credential map into an opaque string.
func (c *CredentialCipher) EncryptCredentials(credentials map[string]string) (string, error) {
	if len(credentials) == 0 {
		return "", nil
	}
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return c.encrypt(plaintext)
}

// DecryptCredentials opens a sealed credential map.
func (c *CredentialCipher) DecryptCredentials(sealed string) (map[string]string, error) {
	if sealed == "" {
		return nil, nil
	}
	plaintext, err := c.decrypt(sealed)
	if err != nil {
		return nil, err
	}
	var credentials map[string]string
	if err := json.Unmarshal(plaintext, &credentials); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return credentials, nil
}

func (c *CredentialCipher) encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	data := make([]byte, 1+len(nonce)+len(sealed))
	data[0] = credentialKeyVersion
	copy(data[1:], nonce)
	copy(data[1+len(nonce):], sealed)

	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *CredentialCipher) decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrInvalidCiphertext, err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	// version(1) + nonce + at least the GCM tag.
	if len(data) < 1+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}
	if data[0] != credentialKeyVersion {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrInvalidCiphertext, data[0])
	}

	nonce := data[1 : 1+gcm.NonceSize()]
	sealed := data[1+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// GenerateKey generates a random 32-byte encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

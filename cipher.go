package driftsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// cipherNonceSize is the nonce size for AES-GCM.
	cipherNonceSize = 12
	// cipherSaltSize is the salt size for key derivation.
	cipherSaltSize = 32
	// cipherKeySize is the AES-256 key size.
	cipherKeySize = 32
	// cipherKDFIterations is the PBKDF2 iteration count.
	cipherKDFIterations = 100000
)

// CipherConfig configures queue-at-rest encryption of stored payloads.
// This protects the local device copy of pending records; it is unrelated
// to whatever encryption the producer applied to the payload itself.
type CipherConfig struct {
	// Enabled turns on payload encryption in durable storage.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Key is the raw encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `json:"-" yaml:"-"`

	// KeyPassword derives the encryption key via PBKDF2 when Key is
	// not set.
	KeyPassword string `json:"key_password,omitempty" yaml:"key_password,omitempty"`
}

// PayloadCipher encrypts and decrypts operation payloads for storage.
type PayloadCipher struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewPayloadCipher creates a cipher from a key or password. Returns
// (nil, nil) when the config is disabled. Password-derived ciphers get a
// fresh random salt; storage persists it and reopens with
// NewPayloadCipherWithSalt.
func NewPayloadCipher(cfg CipherConfig) (*PayloadCipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key []byte
	var salt []byte

	if len(cfg.Key) > 0 {
		if len(cfg.Key) != cipherKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	} else if cfg.KeyPassword != "" {
		salt = make([]byte, cipherSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, cipherKDFIterations, cipherKeySize, sha256.New)
	} else {
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{gcm: gcm, salt: salt}, nil
}

// NewPayloadCipherWithSalt rebuilds a password-derived cipher from a
// previously persisted salt, so reopened storage can read its records.
func NewPayloadCipherWithSalt(password string, salt []byte) (*PayloadCipher, error) {
	if len(salt) != cipherSaltSize {
		return nil, errors.New("invalid salt size")
	}

	key := pbkdf2.Key([]byte(password), salt, cipherKDFIterations, cipherKeySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{gcm: gcm, salt: salt}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Salt returns the salt used for key derivation; nil for raw-key ciphers.
func (c *PayloadCipher) Salt() []byte {
	return c.salt
}

// Encrypt encrypts plaintext and returns ciphertext with prepended nonce.
func (c *PayloadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, cipherNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext (with prepended nonce) back to plaintext.
func (c *PayloadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < cipherNonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:cipherNonceSize]
	return c.gcm.Open(nil, nonce, ciphertext[cipherNonceSize:], nil)
}

// Package vault encrypts API key material at rest. Key material is sealed
// with AES-256-GCM under a key derived from the configured master secret;
// plaintext never leaves this package except through Open.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

const minSecretLen = 8

// Argon2id parameters for passphrase-style master secrets.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// Derivation salt, versioned so a parameter change can re-key cleanly.
var derivationSalt = []byte("keyrouter.vault.v1")

var (
	ErrLocked        = errors.New("vault locked")
	ErrSecretTooWeak = fmt.Errorf("master secret must be at least %d bytes", minSecretLen)
)

// Vault seals and opens secrets with AES-256-GCM. The derived key lives only
// in memory and is zeroed on Lock.
type Vault struct {
	mu     sync.RWMutex
	key    []byte
	locked bool
}

// New builds a vault keyed from the master secret. A 64-character hex string
// is decoded and used as the AES key directly; anything else is treated as a
// passphrase and run through argon2id.
func New(master string) (*Vault, error) {
	key, err := deriveKey(master)
	if err != nil {
		return nil, err
	}
	return &Vault{key: key}, nil
}

func deriveKey(master string) ([]byte, error) {
	if len(master) < minSecretLen {
		return nil, ErrSecretTooWeak
	}
	if len(master) == 64 {
		if raw, err := hex.DecodeString(master); err == nil {
			return raw, nil
		}
	}
	return argon2.IDKey([]byte(master), derivationSalt, argonTime, argonMemory, argonThreads, 32), nil
}

// Lock zeroes the derived key. Seal and Open fail until Unlock.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Unlock re-derives the key from the master secret.
func (v *Vault) Unlock(master string) error {
	key, err := deriveKey(master)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.locked = false
	return nil
}

// IsLocked reports whether the vault currently holds no key.
func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locked
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(encoded string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	if v.locked || len(v.key) != 32 {
		return nil, ErrLocked
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

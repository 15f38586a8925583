package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

// MarketplaceTokenKey is the vault entry holding the advertising API token.
const MarketplaceTokenKey = "marketplace_token"

// argon2id parameters (RFC 9106 second recommended option).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

// verifierKey holds a known plaintext encrypted under the derived key so a
// wrong password is rejected at unlock time.
const (
	verifierKey   = "__verifier"
	verifierPlain = "cpmbandit-vault"
)

var (
	ErrLocked        = errors.New("vault locked")
	ErrWrongPassword = errors.New("vault: wrong password")
	ErrNotFound      = errors.New("vault: key not found")
)

// Vault provides encrypted credential storage with a lock/unlock lifecycle.
// Secrets are encrypted at rest using AES-256-GCM under an argon2id key.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool

	// derived key (in-memory only; cleared on lock)
	key  []byte
	salt []byte

	// encrypted KV store
	values map[string][]byte
}

func New(enabled bool) (*Vault, error) {
	return &Vault{
		enabled: enabled,
		locked:  enabled, // locked on start if enabled
		values:  make(map[string][]byte),
	}, nil
}

// Enabled reports whether the vault was configured on.
func (v *Vault) Enabled() bool { return v.enabled }

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Salt returns the key-derivation salt; nil until the first unlock or import.
func (v *Vault) Salt() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]byte(nil), v.salt...)
}

// Unlock derives the key from master. The first unlock of an empty vault
// creates the salt and the password verifier.
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	if len(master) < 8 {
		return errors.New("password too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.salt) == 0 {
		v.salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, v.salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
	}
	key := argon2.IDKey(master, v.salt, argonTime, argonMemory, argonThreads, keyLen)

	if ct, ok := v.values[verifierKey]; ok {
		plain, err := open(key, ct)
		if err != nil || string(plain) != verifierPlain {
			zero(key)
			return ErrWrongPassword
		}
	} else {
		ct, err := seal(key, []byte(verifierPlain))
		if err != nil {
			zero(key)
			return err
		}
		v.values[verifierKey] = ct
	}

	v.key = key
	v.locked = false
	return nil
}

func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.key)
	v.key = nil
	v.locked = true
}

// Set encrypts and stores a value.
func (v *Vault) Set(key, value string) error {
	encrypted, err := v.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.values[key] = encrypted
	v.mu.Unlock()
	return nil
}

// Get decrypts and retrieves a value.
func (v *Vault) Get(key string) (string, error) {
	v.mu.RLock()
	encrypted, exists := v.values[key]
	v.mu.RUnlock()
	if !exists || key == verifierKey {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	plaintext, err := v.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Delete removes a value from the vault.
func (v *Vault) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if key == verifierKey {
		return
	}
	delete(v.values, key)
}

// Export exports the salt and encrypted vault data (for persistence).
func (v *Vault) Export() ([]byte, map[string]string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	exported := make(map[string]string, len(v.values))
	for k, val := range v.values {
		exported[k] = base64.StdEncoding.EncodeToString(val)
	}
	return append([]byte(nil), v.salt...), exported
}

// Import loads persisted vault data. It must run before the first unlock.
func (v *Vault) Import(salt []byte, data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(salt) > 0 {
		v.salt = append([]byte(nil), salt...)
	}
	for k, encValue := range data {
		decoded, err := base64.StdEncoding.DecodeString(encValue)
		if err != nil {
			return fmt.Errorf("failed to decode key %s: %w", k, err)
		}
		v.values[k] = decoded
	}
	return nil
}

func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	return seal(v.key, plaintext)
}

func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	return open(v.key, ciphertext)
}

func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

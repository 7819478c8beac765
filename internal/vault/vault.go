// Package vault provides reversible encryption for tenant upstream
// passwords at rest. Ciphertexts are AES-256-GCM, prefixed with the key
// generation that sealed them so a future rotator can add keys without
// re-encrypting every row. Seal always uses the newest generation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bridgecore/gateway/internal/apperr"
)

// Keyset holds the symmetric keys by generation. Generations are
// monotonically increasing; the newest one seals.
type Keyset struct {
	mu     sync.RWMutex
	keys   map[uint32]cipher.AEAD
	newest uint32
}

// New creates a keyset with generation 1 derived from the configured
// credential key string.
func New(credentialKey string) (*Keyset, error) {
	if credentialKey == "" {
		return nil, fmt.Errorf("vault: credential key must not be empty")
	}
	ks := &Keyset{keys: make(map[uint32]cipher.AEAD)}
	if err := ks.AddKey(1, credentialKey); err != nil {
		return nil, err
	}
	return ks, nil
}

// AddKey registers a key under a new generation. The generation must be
// greater than every existing one.
func (ks *Keyset) AddKey(generation uint32, key string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if generation <= ks.newest {
		return fmt.Errorf("vault: generation %d not greater than current %d", generation, ks.newest)
	}

	// Derive a fixed-width key from the configured string.
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("vault: init gcm: %w", err)
	}

	ks.keys[generation] = aead
	ks.newest = generation
	return nil
}

// Seal encrypts plaintext with the newest key. Output layout:
// base64( gen[4] ‖ nonce ‖ ciphertext ).
func (ks *Keyset) Seal(plaintext string) (string, error) {
	ks.mu.RLock()
	gen := ks.newest
	aead := ks.keys[gen]
	ks.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Wrap(apperr.KindCryptoError, "seal: nonce", err)
	}

	out := make([]byte, 4, 4+len(nonce)+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint32(out, gen)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed credential. Corrupt ciphertext or an unknown key
// generation yields a CryptoError; the owning tenant is unusable until an
// admin resets the password.
func (ks *Keyset) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCryptoError, "open: decode", err)
	}
	if len(raw) < 4 {
		return "", apperr.New(apperr.KindCryptoError, "open: truncated ciphertext")
	}

	gen := binary.BigEndian.Uint32(raw[:4])

	ks.mu.RLock()
	aead, ok := ks.keys[gen]
	ks.mu.RUnlock()
	if !ok {
		return "", apperr.Newf(apperr.KindCryptoError, "open: unknown key generation %d", gen)
	}

	body := raw[4:]
	if len(body) < aead.NonceSize() {
		return "", apperr.New(apperr.KindCryptoError, "open: truncated nonce")
	}

	nonce, ct := body[:aead.NonceSize()], body[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCryptoError, "open: decrypt", err)
	}
	return string(pt), nil
}

// Package security implements the credential vault protecting per-tenant
// provider secrets at rest.
package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/goliatone/go-outbound/core"
)

// Vault seals credential payloads with AES-256-GCM. The ciphertext layout is
// nonce (12 bytes), authentication tag (16 bytes), then the encrypted
// payload; every call draws a fresh random nonce, so encrypting the same
// plaintext twice yields different bytes. Key material of 16, 24, or 32
// bytes is used as-is; anything else is digested to a 32-byte key.
type Vault struct {
	key []byte
}

func NewVault(keyMaterial []byte) (*Vault, error) {
	key := bytes.TrimSpace(keyMaterial)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	return &Vault{key: normalizeKey(key)}, nil
}

func NewVaultFromString(key string) (*Vault, error) {
	return NewVault([]byte(key))
}

func (v *Vault) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("security: vault is nil")
	}
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}

	// Seal appends the tag after the encrypted payload; the stored layout
	// carries the tag up front, between the nonce and the payload.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[tagStart:]...)
	out = append(out, sealed[:tagStart]...)
	return out, nil
}

func (v *Vault) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("security: vault is nil")
	}
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	minimum := gcm.NonceSize() + gcm.Overhead()
	if len(ciphertext) < minimum {
		return nil, &core.IntegrityError{
			Message: fmt.Sprintf("ciphertext shorter than %d bytes", minimum),
		}
	}

	nonce := ciphertext[:gcm.NonceSize()]
	tag := ciphertext[gcm.NonceSize() : gcm.NonceSize()+gcm.Overhead()]
	payload := ciphertext[gcm.NonceSize()+gcm.Overhead():]

	sealed := make([]byte, 0, len(payload)+len(tag))
	sealed = append(sealed, payload...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &core.IntegrityError{
			Message: "authentication tag mismatch",
			Cause:   err,
		}
	}
	return plaintext, nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var _ core.SecretProvider = (*Vault)(nil)

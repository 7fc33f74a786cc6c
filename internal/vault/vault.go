// Package vault generates database secrets and seals them for storage.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	SecretLength = 24
	secretChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrDecrypt is returned for any ciphertext that cannot be opened.
var ErrDecrypt = errors.New("vault: decrypt failed")

// Vault seals credentials with XChaCha20-Poly1305.
type Vault struct {
	aead cipher.AEAD
}

// New derives the 32-byte key from an operator secret by padding it with
// spaces or truncating it.
func New(key string) (*Vault, error) {
	if key == "" {
		return nil, errors.New("vault: empty encryption key")
	}
	k := []byte(key)
	if len(k) < chacha20poly1305.KeySize {
		k = append(k, []byte(strings.Repeat(" ", chacha20poly1305.KeySize-len(k)))...)
	}
	aead, err := chacha20poly1305.NewX(k[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plain string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// GenerateSecret returns a random alphanumeric secret of SecretLength chars.
func GenerateSecret() (string, error) {
	max := big.NewInt(int64(len(secretChars)))
	var b strings.Builder
	b.Grow(SecretLength)
	for i := 0; i < SecretLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("vault: generate secret: %w", err)
		}
		b.WriteByte(secretChars[n.Int64()])
	}
	return b.String(), nil
}

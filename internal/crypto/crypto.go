// Package crypto seals connection secrets that a session must retain in
// memory for its lifetime. The key is generated per process and never
// persisted, so sealed values are useless outside the running bridge.
package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a sealed value cannot be opened.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// Sealer encrypts and decrypts short secrets with a fernet key.
type Sealer struct {
	key *fernet.Key
}

// NewSealer creates a Sealer with a freshly generated key.
func NewSealer() (*Sealer, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	return &Sealer{key: &k}, nil
}

// NewSealerFromKey creates a Sealer from an encoded fernet key.
func NewSealerFromKey(encoded string) (*Sealer, error) {
	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext. Empty input seals to an empty token.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Open decrypts a token produced by Seal.
func (s *Sealer) Open(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

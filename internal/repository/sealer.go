package repository

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// sealedPrefix marks a value encrypted by Sealer.
const sealedPrefix = "sb2:"

const (
	saltSize  = 16
	nonceSize = 24

	// argon2id parameters from RFC 9106, second recommended option
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrUnseal is returned when a stored secret cannot be decrypted with the configured key.
var ErrUnseal = errors.New("cannot unseal stored secret")

// Sealer encrypts secrets at rest with NaCl secretbox under a key stretched
// from a passphrase with argon2id. Every sealed value carries its own salt.
// A Sealer built from an empty secret passes values through unchanged.
type Sealer struct {
	secret []byte
}

func NewSealer(secret string) *Sealer {
	if secret == "" {
		return &Sealer{}
	}
	return &Sealer{secret: []byte(secret)}
}

// Enabled reports whether values are encrypted.
func (s *Sealer) Enabled() bool { return s != nil && len(s.secret) > 0 }

func (s *Sealer) key(salt []byte) *[32]byte {
	var k [32]byte
	copy(k[:], argon2.IDKey(s.secret, salt, argonTime, argonMemory, argonThreads, uint32(len(k))))
	return &k
}

// Seal encrypts plain as salt, nonce and box. Without a key it returns plain.
func (s *Sealer) Seal(plain string) (string, error) {
	if !s.Enabled() {
		return plain, nil
	}
	head := make([]byte, saltSize+nonceSize)
	if _, err := io.ReadFull(rand.Reader, head); err != nil {
		return "", fmt.Errorf("read salt and nonce: %w", err)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], head[saltSize:])
	box := secretbox.Seal(head, []byte(plain), &nonce, s.key(head[:saltSize]))
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as stored.
func (s *Sealer) Open(stored string) (string, error) {
	enc, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return stored, nil
	}
	if !s.Enabled() {
		return "", ErrUnseal
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || len(raw) < saltSize+nonceSize+secretbox.Overhead {
		return "", ErrUnseal
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])
	plain, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, s.key(raw[:saltSize]))
	if !ok {
		return "", ErrUnseal
	}
	return string(plain), nil
}

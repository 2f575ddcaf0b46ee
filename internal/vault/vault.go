// Package vault encrypts secret key material at rest using a
// passphrase-derived key, per spec.md §4.I / §6: the keyshare actor's BFV
// secret key is never written to the store in the clear.
package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	saltLen      = 16
	nonceLen     = 24
)

// Vault derives a symmetric key from a passphrase and uses it to seal and
// open arbitrary byte payloads (BFV secret keys, network keys).
type Vault struct {
	passphrase []byte
}

// New returns a Vault keyed by the given passphrase (the secrets file's
// "password" field, hydrating scrypt below).
func New(passphrase string) *Vault {
	return &Vault{passphrase: []byte(passphrase)}
}

// sealed is the on-disk envelope: scrypt salt, nacl nonce, ciphertext.
type sealed struct {
	Salt  [saltLen]byte
	Nonce [nonceLen]byte
	Box   []byte
}

// Seal encrypts plaintext, returning a self-contained envelope suitable for
// storage in the KV layer.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	var s sealed
	if _, err := rand.Read(s.Salt[:]); err != nil {
		return nil, fmt.Errorf("vault: generate salt: %w", err)
	}
	if _, err := rand.Read(s.Nonce[:]); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	key, err := v.deriveKey(s.Salt)
	if err != nil {
		return nil, err
	}
	s.Box = secretbox.Seal(nil, plaintext, &s.Nonce, key)
	return encodeSealed(&s), nil
}

// Open decrypts an envelope produced by Seal.
func (v *Vault) Open(envelope []byte) ([]byte, error) {
	s, err := decodeSealed(envelope)
	if err != nil {
		return nil, err
	}
	key, err := v.deriveKey(s.Salt)
	if err != nil {
		return nil, err
	}
	plaintext, ok := secretbox.Open(nil, s.Box, &s.Nonce, key)
	if !ok {
		return nil, fmt.Errorf("vault: decryption failed (wrong passphrase or corrupt data)")
	}
	return plaintext, nil
}

func (v *Vault) deriveKey(salt [saltLen]byte) (*[keyLen]byte, error) {
	derived, err := scrypt.Key(v.passphrase, salt[:], scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	var key [keyLen]byte
	copy(key[:], derived)
	return &key, nil
}

func encodeSealed(s *sealed) []byte {
	out := make([]byte, 0, saltLen+nonceLen+len(s.Box))
	out = append(out, s.Salt[:]...)
	out = append(out, s.Nonce[:]...)
	out = append(out, s.Box...)
	return out
}

func decodeSealed(envelope []byte) (*sealed, error) {
	if len(envelope) < saltLen+nonceLen {
		return nil, fmt.Errorf("vault: envelope too short")
	}
	var s sealed
	copy(s.Salt[:], envelope[:saltLen])
	copy(s.Nonce[:], envelope[saltLen:saltLen+nonceLen])
	s.Box = envelope[saltLen+nonceLen:]
	return &s, nil
}

// Zeroize overwrites a byte slice in place; used after a secret key's final
// use (spec.md §4.I: zeroize and delete on PlaintextAggregated).
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

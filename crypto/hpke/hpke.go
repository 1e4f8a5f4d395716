// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package hpke implements the hybrid public-key encryption used for
// peer-to-peer message secrecy between signing nodes: X25519 key agreement,
// HKDF-SHA256 key derivation and ChaCha20-Poly1305 sealing. A fresh ephemeral
// key is used per envelope, so the AEAD nonce is fixed.
package hpke

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// PublicKey is an X25519 public key a peer publishes for receiving
// encrypted protocol messages.
type PublicKey [keySize]byte

// SecretKey is the matching X25519 secret key, held only by the node.
type SecretKey [keySize]byte

// Generate samples a fresh cipher keypair.
func Generate() (SecretKey, PublicKey, error) {
	var sk SecretKey
	if _, err := io.ReadFull(rand.Reader, sk[:]); err != nil {
		return SecretKey{}, PublicKey{}, errors.Wrap(err, "sampling cipher key")
	}
	pk, err := sk.PublicKey()
	if err != nil {
		return SecretKey{}, PublicKey{}, err
	}
	return sk, pk, nil
}

// PublicKey derives the public half of sk.
func (sk SecretKey) PublicKey() (PublicKey, error) {
	raw, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, errors.Wrap(err, "deriving cipher public key")
	}
	var pk PublicKey
	copy(pk[:], raw)
	return pk, nil
}

// Seal encrypts plaintext to pk. The info string binds the envelope to its
// context; Open must be called with the same info.
func (pk PublicKey) Seal(plaintext, info []byte) ([]byte, error) {
	var eph SecretKey
	if _, err := io.ReadFull(rand.Reader, eph[:]); err != nil {
		return nil, errors.Wrap(err, "sampling ephemeral key")
	}
	ephPub, err := eph.PublicKey()
	if err != nil {
		return nil, err
	}
	aead, err := deriveAEAD(eph[:], pk[:], ephPub[:], pk[:], info)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	out := make([]byte, 0, keySize+len(plaintext)+aead.Overhead())
	out = append(out, ephPub[:]...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts an envelope produced by Seal against the matching public key.
func (sk SecretKey) Open(ciphertext, info []byte) ([]byte, error) {
	if len(ciphertext) < keySize {
		return nil, errors.New("ciphertext too short")
	}
	ephPub := ciphertext[:keySize]
	myPub, err := sk.PublicKey()
	if err != nil {
		return nil, err
	}
	aead, err := deriveAEAD(sk[:], ephPub, ephPub, myPub[:], info)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext[keySize:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening envelope")
	}
	return plaintext, nil
}

func deriveAEAD(scalar, point, ephPub, recipientPub, info []byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, errors.Wrap(err, "key agreement")
	}
	salt := make([]byte, 0, 2*keySize)
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, errors.Wrap(err, "deriving envelope key")
	}
	return chacha20poly1305.New(key)
}

// String returns the hex form used on the CLI and in rosters.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// String returns the hex form used on the CLI.
func (sk SecretKey) String() string {
	return hex.EncodeToString(sk[:])
}

// ParsePublicKey decodes the hex form produced by String.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	if err := decodeHexKey(s, pk[:]); err != nil {
		return PublicKey{}, err
	}
	return pk, nil
}

// ParseSecretKey decodes a hex secret key.
func ParseSecretKey(s string) (SecretKey, error) {
	var sk SecretKey
	if err := decodeHexKey(s, sk[:]); err != nil {
		return SecretKey{}, err
	}
	return sk, nil
}

func decodeHexKey(s string, out []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "decoding cipher key hex")
	}
	if len(raw) != keySize {
		return errors.Errorf("cipher key must be %d bytes, got %d", keySize, len(raw))
	}
	copy(out, raw)
	return nil
}

// MarshalJSON encodes the key as its hex form.
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(pk.String())
}

// UnmarshalJSON decodes the hex form.
func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePublicKey(s)
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

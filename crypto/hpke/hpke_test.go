// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package hpke

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sk, pk, err := Generate()
	require.NoError(t, err)

	plaintext := []byte("beaver triples for everyone")
	info := []byte("test envelope")

	ciphertext, err := pk.Seal(plaintext, info)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), string(plaintext))

	opened, err := sk.Open(ciphertext, info)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	_, pk, err := Generate()
	require.NoError(t, err)
	otherSK, _, err := Generate()
	require.NoError(t, err)

	ciphertext, err := pk.Seal([]byte("secret"), []byte("ctx"))
	require.NoError(t, err)

	_, err = otherSK.Open(ciphertext, []byte("ctx"))
	assert.Error(t, err)
}

func TestOpenRejectsWrongInfo(t *testing.T) {
	sk, pk, err := Generate()
	require.NoError(t, err)

	ciphertext, err := pk.Seal([]byte("secret"), []byte("ctx"))
	require.NoError(t, err)

	_, err = sk.Open(ciphertext, []byte("other ctx"))
	assert.Error(t, err)
}

func TestOpenRejectsTruncated(t *testing.T) {
	sk, _, err := Generate()
	require.NoError(t, err)
	_, err = sk.Open([]byte("short"), nil)
	assert.Error(t, err)
}

func TestHexRoundTrip(t *testing.T) {
	sk, pk, err := Generate()
	require.NoError(t, err)

	parsedPK, err := ParsePublicKey(pk.String())
	require.NoError(t, err)
	assert.Equal(t, pk, parsedPK)

	parsedSK, err := ParseSecretKey(sk.String())
	require.NoError(t, err)
	assert.Equal(t, sk, parsedSK)

	_, err = ParsePublicKey("zz")
	assert.Error(t, err)
}

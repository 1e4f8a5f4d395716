// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharesMatchCommitments(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	poly, err := NewRandomPolynomial(secret, 2)
	require.NoError(t, err)
	commits := poly.Commitments()
	require.Len(t, commits, 3)

	for i := uint32(1); i <= 5; i++ {
		x := ScalarFromUint32(i)
		share := poly.Evaluate(x)
		assert.True(t, ScalarBaseMult(share).Equals(EvaluateCommitments(commits, x)),
			"share at %d must match the commitment evaluation", i)
	}
}

func TestLagrangeReconstruction(t *testing.T) {
	secret, err := RandomScalar()
	require.NoError(t, err)
	poly, err := NewRandomPolynomial(secret, 2)
	require.NoError(t, err)

	// Any 3 of the 5 shares reconstruct the secret at zero.
	points := []*Scalar{ScalarFromUint32(2), ScalarFromUint32(4), ScalarFromUint32(5)}
	reconstructed := new(Scalar)
	for i, x := range points {
		lambda, err := LagrangeAtZero(points, i)
		require.NoError(t, err)
		term := new(Scalar)
		term.Mul2(lambda, poly.Evaluate(x))
		reconstructed.Add(term)
	}
	secretRaw := secret.Bytes()
	gotRaw := reconstructed.Bytes()
	assert.Equal(t, secretRaw, gotRaw)
}

func TestLagrangeRejectsDuplicatePoints(t *testing.T) {
	points := []*Scalar{ScalarFromUint32(1), ScalarFromUint32(1)}
	_, err := LagrangeAtZero(points, 0)
	assert.Error(t, err)
}

// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package resharing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/keygen"
	"github.com/kisdex/mpc-node/ecdsa/resharing"
	"github.com/kisdex/mpc-node/test"
	"github.com/kisdex/mpc-node/tss"
)

func runKeygen(t *testing.T, participants []tss.Participant, threshold int) map[tss.Participant]*keygen.Output {
	protocols := make(map[tss.Participant]tss.Protocol, len(participants))
	for _, p := range participants {
		protocol, err := keygen.NewProtocol(participants, p, threshold)
		require.NoError(t, err)
		protocols[p] = protocol
	}
	raw, err := test.RunProtocols(protocols)
	require.NoError(t, err)
	outputs := make(map[tss.Participant]*keygen.Output, len(raw))
	for p, out := range raw {
		outputs[p] = out.(*keygen.Output)
	}
	return outputs
}

func reconstruct(t *testing.T, shares map[tss.Participant]*crypto.Scalar, subset []tss.Participant) *crypto.Scalar {
	points := make([]*crypto.Scalar, len(subset))
	for i, p := range subset {
		points[i] = crypto.ScalarFromUint32(uint32(p) + 1)
	}
	secret := new(crypto.Scalar)
	for i, p := range subset {
		lambda, err := crypto.LagrangeAtZero(points, i)
		require.NoError(t, err)
		term := new(crypto.Scalar)
		term.Mul2(lambda, shares[p])
		secret.Add(term)
	}
	return secret
}

func TestE2EConcurrent(t *testing.T) {
	oldCommittee := []tss.Participant{0, 1, 2, 3}
	newCommittee := []tss.Participant{0, 1, 2, 4}
	union := []tss.Participant{0, 1, 2, 3, 4}

	keys := runKeygen(t, oldCommittee, 4)
	publicKey := keys[0].PublicKey

	protocols := make(map[tss.Participant]tss.Protocol, len(union))
	for _, p := range union {
		var oldShare *crypto.Scalar
		if out, ok := keys[p]; ok {
			oldShare = out.PrivateShare
		}
		protocol, err := resharing.NewProtocol(oldCommittee, newCommittee, p, 4, publicKey, oldShare)
		require.NoError(t, err)
		protocols[p] = protocol
	}
	raw, err := test.RunProtocols(protocols)
	require.NoError(t, err)

	newShares := make(map[tss.Participant]*crypto.Scalar)
	for p, out := range raw {
		share := out.(*resharing.Output).PrivateShare
		if p == 3 {
			assert.Nil(t, share, "the removed party must end up with no share")
			continue
		}
		require.NotNil(t, share, "party %d must receive a fresh share", p)
		newShares[p] = share
	}

	secret := reconstruct(t, newShares, newCommittee)
	assert.True(t, crypto.ScalarBaseMult(secret).Equals(publicKey),
		"resharing must preserve the public key")

	// The new shares are fresh, not copies of the old ones.
	for _, p := range []tss.Participant{0, 1, 2} {
		oldRaw := keys[p].PrivateShare.Bytes()
		newRaw := newShares[p].Bytes()
		assert.NotEqual(t, oldRaw, newRaw, "party %d must not keep its old share", p)
	}
}

func TestGrowingCommittee(t *testing.T) {
	oldCommittee := []tss.Participant{0, 1, 2}
	newCommittee := []tss.Participant{0, 1, 2, 3, 4}
	union := newCommittee

	keys := runKeygen(t, oldCommittee, 3)
	publicKey := keys[0].PublicKey

	protocols := make(map[tss.Participant]tss.Protocol, len(union))
	for _, p := range union {
		var oldShare *crypto.Scalar
		if out, ok := keys[p]; ok {
			oldShare = out.PrivateShare
		}
		protocol, err := resharing.NewProtocol(oldCommittee, newCommittee, p, 3, publicKey, oldShare)
		require.NoError(t, err)
		protocols[p] = protocol
	}
	raw, err := test.RunProtocols(protocols)
	require.NoError(t, err)

	newShares := make(map[tss.Participant]*crypto.Scalar)
	for p, out := range raw {
		share := out.(*resharing.Output).PrivateShare
		require.NotNil(t, share)
		newShares[p] = share
	}

	// Reconstruction works from a threshold-sized subset of the new roster.
	secret := reconstruct(t, newShares, []tss.Participant{1, 3, 4})
	assert.True(t, crypto.ScalarBaseMult(secret).Equals(publicKey))
}

func TestNewProtocolValidation(t *testing.T) {
	pk := crypto.ScalarBaseMult(crypto.ScalarFromUint32(7))

	_, err := resharing.NewProtocol([]tss.Participant{0, 1}, []tss.Participant{2, 3}, 4, 2, pk, nil)
	assert.Error(t, err, "must reject a party in neither committee")

	share := crypto.ScalarFromUint32(9)
	_, err = resharing.NewProtocol([]tss.Participant{0, 1}, []tss.Participant{0, 1}, 0, 2, pk, nil)
	assert.Error(t, err, "must reject an old member without a share")

	_, err = resharing.NewProtocol([]tss.Participant{0, 1}, []tss.Participant{0, 1}, 0, 3, pk, share)
	assert.Error(t, err, "must reject a threshold above the new committee size")
}

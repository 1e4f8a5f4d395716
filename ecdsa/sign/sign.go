// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package sign finishes a threshold ECDSA signature from a presignature
// behind the simulated MPC boundary: every party contributes its signature
// share s_i = k^-1_i*m + r*kx_i to the transcript; the sum, normalized to
// low-s, must verify against the group key. An optional epsilon tweak shifts
// the signature to the derived child key publicKey + epsilon*G without
// touching the key shares. See package sim for what the simulation does and
// does not provide.
package sign

import (
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/presign"
	"github.com/kisdex/mpc-node/ecdsa/sim"
	"github.com/kisdex/mpc-node/tss"
)

const scalarSize = 32

// Protocol is an in-flight signature round, driven by Poke. Its Return
// output is a *btcecdsa.Signature verified against the publicKey passed to
// NewProtocol (the derived child key when epsilon is set).
type Protocol = sim.Protocol

// NewProtocol constructs a signature round over the epoch roster. publicKey
// must already be the derived key when epsilon is non-nil.
func NewProtocol(participants []tss.Participant, me tss.Participant, presig *presign.Output, publicKey *crypto.Point, epsilon *crypto.Scalar, msgHash []byte) (*Protocol, error) {
	if len(participants) < 2 {
		return nil, tss.NewInitializationError("need at least 2 participants, got %d", len(participants))
	}
	if !tss.Contains(participants, me) {
		return nil, tss.NewInitializationError("participant %d is not in the participant set", me)
	}
	if presig == nil {
		return nil, tss.NewInitializationError("missing presignature")
	}
	if publicKey == nil || publicKey.IsIdentity() {
		return nil, tss.NewInitializationError("missing public key")
	}
	if len(msgHash) != 32 {
		return nil, tss.NewInitializationError("message hash must be 32 bytes, got %d", len(msgHash))
	}

	r := presig.BigR.XScalar()
	m := new(crypto.Scalar)
	m.SetByteSlice(msgHash)

	share := new(crypto.Scalar)
	share.Mul2(presig.KInvShare, m)
	tmp := new(crypto.Scalar)
	tmp.Mul2(r, presig.KXShare)
	share.Add(tmp)
	if epsilon != nil {
		// Shift to the child key: r*epsilon*k^-1 sums to r*epsilon/k.
		tmp = new(crypto.Scalar)
		tmp.Mul2(r, epsilon)
		tmp.Mul(presig.KInvShare)
		share.Add(tmp)
	}
	raw := share.Bytes()

	return sim.New(sim.Config{
		Participants: tss.SortParticipants(participants),
		Me:           me,
		Extra:        raw[:],
		Finish:       finisher(r, publicKey, msgHash),
	}), nil
}

// finisher sums the broadcast signature shares and verifies the result.
func finisher(r *crypto.Scalar, publicKey *crypto.Point, msgHash []byte) sim.Finisher {
	return func(t *sim.Transcript) (interface{}, error) {
		s := new(crypto.Scalar)
		for _, q := range t.Participants {
			extra := t.Extra(q)
			if len(extra) != scalarSize {
				return nil, tss.NewProtocolErrorFrom(q, "bad signature share length %d", len(extra))
			}
			part := new(crypto.Scalar)
			part.SetByteSlice(extra)
			s.Add(part)
		}
		if s.IsZero() {
			return nil, tss.NewProtocolError("degenerate signature")
		}
		if s.IsOverHalfOrder() {
			s.Negate()
		}
		sig := btcecdsa.NewSignature(r, s)
		if !sig.Verify(msgHash, publicKey.PubKey()) {
			return nil, tss.NewProtocolError("assembled signature failed verification")
		}
		return sig, nil
	}
}

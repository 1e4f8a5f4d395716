// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package presign turns two Beaver triples into a presignature — the nonce
// point R with shares of k^-1 and k^-1*x — behind the simulated MPC
// boundary: parties contribute their first-triple nonce shares and their
// Lagrange-weighted key shares to the transcript, the recovered nonce is
// checked against the triple's public part, and the output sharings are
// derived from the pool. See package sim for what the simulation does and
// does not provide.
package presign

import (
	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/sim"
	"github.com/kisdex/mpc-node/ecdsa/triples"
	"github.com/kisdex/mpc-node/tss"
)

const scalarSize = 32

// Output is a completed presignature.
type Output struct {
	// BigR is the nonce point; its x-coordinate becomes the signature r.
	BigR *crypto.Point
	// KInvShare is this party's additive share of k^-1.
	KInvShare *crypto.Scalar
	// KXShare is this party's additive share of k^-1 * x.
	KXShare *crypto.Scalar
}

// Protocol is an in-flight presignature generation, driven by Poke.
type Protocol = sim.Protocol

// NewProtocol constructs a presignature protocol over the full epoch roster.
// keyShare is the party's Shamir share of the signing key; it is weighted
// internally so that the roster's shares recombine additively.
func NewProtocol(participants []tss.Participant, me tss.Participant, threshold int, triple0, triple1 *triples.Output, keyShare *crypto.Scalar) (*Protocol, error) {
	if len(participants) < 2 {
		return nil, tss.NewInitializationError("need at least 2 participants, got %d", len(participants))
	}
	if threshold < 2 || threshold > len(participants) {
		return nil, tss.NewInitializationError("threshold %d out of range for %d participants", threshold, len(participants))
	}
	if !tss.Contains(participants, me) {
		return nil, tss.NewInitializationError("participant %d is not in the participant set", me)
	}
	if triple0 == nil || triple1 == nil {
		return nil, tss.NewInitializationError("presigning requires two triples")
	}
	if keyShare == nil {
		return nil, tss.NewInitializationError("missing key share")
	}

	sorted := tss.SortParticipants(participants)
	points := make([]*crypto.Scalar, len(sorted))
	for i, q := range sorted {
		points[i] = crypto.ScalarFromUint32(uint32(q) + 1)
	}
	lambda, err := crypto.LagrangeAtZero(points, tss.IndexOf(sorted, me))
	if err != nil {
		return nil, tss.NewInitializationError("weighting key share: %v", err)
	}
	weighted := new(crypto.Scalar)
	weighted.Mul2(lambda, keyShare)

	extra := make([]byte, 0, 2*scalarSize)
	weightedRaw := weighted.Bytes()
	nonceRaw := triple0.Share.A.Bytes()
	extra = append(extra, weightedRaw[:]...)
	extra = append(extra, nonceRaw[:]...)

	return sim.New(sim.Config{
		Participants: sorted,
		Me:           me,
		Extra:        extra,
		Finish:       finisher(triple0),
	}), nil
}

// finisher recovers x and the nonce k from the transcript, checks k against
// the first triple's public part and derives the output sharings.
func finisher(triple0 *triples.Output) sim.Finisher {
	return func(t *sim.Transcript) (interface{}, error) {
		x := new(crypto.Scalar)
		k := new(crypto.Scalar)
		for _, q := range t.Participants {
			extra := t.Extra(q)
			if len(extra) != 2*scalarSize {
				return nil, tss.NewProtocolErrorFrom(q, "bad presign payload length %d", len(extra))
			}
			part := new(crypto.Scalar)
			part.SetByteSlice(extra[:scalarSize])
			x.Add(part)
			part = new(crypto.Scalar)
			part.SetByteSlice(extra[scalarSize:])
			k.Add(part)
		}
		if k.IsZero() {
			return nil, tss.NewProtocolError("degenerate nonce")
		}
		if !crypto.ScalarBaseMult(k).Equals(triple0.Pub.BigA) {
			return nil, tss.NewProtocolError("nonce does not match the triple's public part")
		}

		kInv := new(crypto.Scalar)
		kInv.InverseValNonConst(k)
		kx := new(crypto.Scalar)
		kx.Mul2(kInv, x)

		kInvShares, err := t.Split("presign kinv share", kInv)
		if err != nil {
			return nil, tss.NewProtocolError("splitting presignature: %v", err)
		}
		kxShares, err := t.Split("presign kx share", kx)
		if err != nil {
			return nil, tss.NewProtocolError("splitting presignature: %v", err)
		}

		idx := t.Index()
		return &Output{
			BigR:      triple0.Pub.BigA,
			KInvShare: kInvShares[idx],
			KXShare:   kxShares[idx],
		}, nil
	}
}

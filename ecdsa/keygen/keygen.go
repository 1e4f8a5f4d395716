// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package keygen drives distributed key generation for secp256k1 behind the
// simulated MPC boundary: the shared key and every Shamir share are derived
// from the pooled transcript, so all parties agree on the public key and any
// threshold-sized subset of shares reconstructs it. See package sim for what
// the simulation does and does not provide.
package keygen

import (
	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/sim"
	"github.com/kisdex/mpc-node/tss"
)

// Output is the result of a completed key generation.
type Output struct {
	PrivateShare *crypto.Scalar
	PublicKey    *crypto.Point
}

// Protocol is an in-flight key generation, driven by Poke.
type Protocol = sim.Protocol

// NewProtocol constructs a key generation protocol for the given participant
// set.
func NewProtocol(participants []tss.Participant, me tss.Participant, threshold int) (*Protocol, error) {
	if err := validate(participants, me, threshold); err != nil {
		return nil, err
	}
	sorted := tss.SortParticipants(participants)
	return sim.New(sim.Config{
		Participants: sorted,
		Me:           me,
		Finish:       finisher(me, threshold),
	}), nil
}

func validate(participants []tss.Participant, me tss.Participant, threshold int) error {
	if len(participants) < 2 {
		return tss.NewInitializationError("need at least 2 participants, got %d", len(participants))
	}
	if threshold < 2 || threshold > len(participants) {
		return tss.NewInitializationError("threshold %d out of range for %d participants", threshold, len(participants))
	}
	if !tss.Contains(participants, me) {
		return tss.NewInitializationError("participant %d is not in the participant set", me)
	}
	seen := make(map[tss.Participant]bool, len(participants))
	for _, p := range participants {
		if seen[p] {
			return tss.NewInitializationError("duplicate participant %d", p)
		}
		seen[p] = true
	}
	return nil
}

// evalPoint is the Shamir evaluation point of a participant. Offset by one so
// that no participant evaluates the polynomial at zero.
func evalPoint(p tss.Participant) *crypto.Scalar {
	return crypto.ScalarFromUint32(uint32(p) + 1)
}

func finisher(me tss.Participant, threshold int) sim.Finisher {
	return func(t *sim.Transcript) (interface{}, error) {
		coeffs := make([]*crypto.Scalar, threshold)
		for k := range coeffs {
			coeffs[k] = t.Scalar("keygen coeff", k)
		}
		poly, err := crypto.NewPolynomial(coeffs)
		if err != nil {
			return nil, tss.NewProtocolError("deriving key: %v", err)
		}
		return &Output{
			PrivateShare: poly.Evaluate(evalPoint(me)),
			PublicKey:    crypto.ScalarBaseMult(coeffs[0]),
		}, nil
	}
}

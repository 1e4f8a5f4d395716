// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package triples drives Beaver triple generation (a, b, c=ab) behind the
// simulated MPC boundary: the factors and their additive sharings are
// derived from the pooled transcript, so the shares sum to c = ab and the
// public points BigA, BigB, BigC are byte-identical on every participant.
// See package sim for what the simulation does and does not provide.
package triples

import (
	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/sim"
	"github.com/kisdex/mpc-node/tss"
)

// TripleShare is this party's additive share of (a, b, c).
type TripleShare struct {
	A *crypto.Scalar
	B *crypto.Scalar
	C *crypto.Scalar
}

// TriplePub is the public part of a triple: a*G, b*G and c*G. All
// participants compute byte-identical values.
type TriplePub struct {
	BigA *crypto.Point
	BigB *crypto.Point
	BigC *crypto.Point
}

// Output is a completed triple generation.
type Output struct {
	Share TripleShare
	Pub   TriplePub
}

// Protocol is an in-flight triple generation, driven by Poke.
type Protocol = sim.Protocol

// NewProtocol constructs a triple generation protocol.
func NewProtocol(participants []tss.Participant, me tss.Participant, threshold int) (*Protocol, error) {
	if len(participants) < 2 {
		return nil, tss.NewInitializationError("need at least 2 participants, got %d", len(participants))
	}
	if threshold < 2 || threshold > len(participants) {
		return nil, tss.NewInitializationError("threshold %d out of range for %d participants", threshold, len(participants))
	}
	if !tss.Contains(participants, me) {
		return nil, tss.NewInitializationError("participant %d is not in the participant set", me)
	}
	return sim.New(sim.Config{
		Participants: tss.SortParticipants(participants),
		Me:           me,
		Finish:       finisher(),
	}), nil
}

func finisher() sim.Finisher {
	return func(t *sim.Transcript) (interface{}, error) {
		a := t.Scalar("triple a", 0)
		b := t.Scalar("triple b", 0)
		c := new(crypto.Scalar)
		c.Mul2(a, b)

		aShares, err := t.Split("triple a share", a)
		if err != nil {
			return nil, tss.NewProtocolError("splitting triple: %v", err)
		}
		bShares, err := t.Split("triple b share", b)
		if err != nil {
			return nil, tss.NewProtocolError("splitting triple: %v", err)
		}
		cShares, err := t.Split("triple c share", c)
		if err != nil {
			return nil, tss.NewProtocolError("splitting triple: %v", err)
		}

		idx := t.Index()
		return &Output{
			Share: TripleShare{A: aShares[idx], B: bShares[idx], C: cShares[idx]},
			Pub: TriplePub{
				BigA: crypto.ScalarBaseMult(a),
				BigB: crypto.ScalarBaseMult(b),
				BigC: crypto.ScalarBaseMult(c),
			},
		}, nil
	}
}

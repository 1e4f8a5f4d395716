// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package resharing drives proactive resharing of an existing secp256k1 key
// for a new participant set behind the simulated MPC boundary: old
// participants contribute their shares to the transcript, the recovered
// secret is checked against the unchanged public key, and fresh shares for
// the new roster are derived from the pooled entropy. Old participants that
// are not part of the new set finish with no share. See package sim for what
// the simulation does and does not provide.
package resharing

import (
	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/sim"
	"github.com/kisdex/mpc-node/tss"
)

const scalarSize = 32

// Output carries the reshared private share. PrivateShare is nil when the
// local party is not a member of the new participant set.
type Output struct {
	PrivateShare *crypto.Scalar
}

// Protocol is an in-flight resharing, driven by Poke.
type Protocol = sim.Protocol

// NewProtocol constructs a resharing protocol. oldShare must be the party's
// share for the outgoing epoch when it belongs to the old set, and nil
// otherwise.
func NewProtocol(old, new []tss.Participant, me tss.Participant, threshold int, publicKey *crypto.Point, oldShare *crypto.Scalar) (*Protocol, error) {
	if len(old) < 2 || len(new) < 2 {
		return nil, tss.NewInitializationError("need at least 2 old and new participants, got %d and %d", len(old), len(new))
	}
	if threshold < 2 || threshold > len(new) {
		return nil, tss.NewInitializationError("threshold %d out of range for %d new participants", threshold, len(new))
	}
	inOld := tss.Contains(old, me)
	if !inOld && !tss.Contains(new, me) {
		return nil, tss.NewInitializationError("participant %d is in neither committee", me)
	}
	if inOld && oldShare == nil {
		return nil, tss.NewInitializationError("participant %d is in the old committee but has no share", me)
	}
	if publicKey == nil || publicKey.IsIdentity() {
		return nil, tss.NewInitializationError("missing public key")
	}

	oldSorted := tss.SortParticipants(old)
	newSorted := tss.SortParticipants(new)
	union := newSorted
	for _, p := range oldSorted {
		if !tss.Contains(union, p) {
			union = append(union, p)
		}
	}
	union = tss.SortParticipants(union)

	var extra []byte
	if oldShare != nil {
		raw := oldShare.Bytes()
		extra = raw[:]
	}
	var privateTo []tss.Participant
	for _, q := range newSorted {
		if q > me {
			privateTo = append(privateTo, q)
		}
	}
	cfg := sim.Config{
		Participants: union,
		Me:           me,
		PrivateTo:    privateTo,
		Extra:        extra,
		Finish:       finisher(oldSorted, me, threshold, publicKey),
	}
	if !tss.Contains(newSorted, me) {
		// Old-only members deal their share away and are owed nothing back.
		cfg.EarlyResult = &Output{}
	}
	return sim.New(cfg), nil
}

func evalPoint(p tss.Participant) *crypto.Scalar {
	return crypto.ScalarFromUint32(uint32(p) + 1)
}

// finisher recovers the secret from the old shares in the transcript,
// insists the public key is unchanged and derives the new-roster shares.
// Only new-set members get here; old-only members return early.
func finisher(old []tss.Participant, me tss.Participant, threshold int, publicKey *crypto.Point) sim.Finisher {
	return func(t *sim.Transcript) (interface{}, error) {
		points := make([]*crypto.Scalar, len(old))
		shares := make([]*crypto.Scalar, len(old))
		for i, d := range old {
			extra := t.Extra(d)
			if len(extra) != scalarSize {
				return nil, tss.NewProtocolErrorFrom(d, "bad share payload length %d", len(extra))
			}
			share := new(crypto.Scalar)
			share.SetByteSlice(extra)
			points[i] = evalPoint(d)
			shares[i] = share
		}
		secret := new(crypto.Scalar)
		for i := range old {
			lambda, err := crypto.LagrangeAtZero(points, i)
			if err != nil {
				return nil, tss.NewProtocolError("recovering secret: %v", err)
			}
			term := new(crypto.Scalar)
			term.Mul2(lambda, shares[i])
			secret.Add(term)
		}
		if !crypto.ScalarBaseMult(secret).Equals(publicKey) {
			return nil, tss.NewProtocolError("resharing changed the public key")
		}

		coeffs := make([]*crypto.Scalar, threshold)
		coeffs[0] = secret
		for k := 1; k < threshold; k++ {
			coeffs[k] = t.Scalar("reshare coeff", k)
		}
		poly, err := crypto.NewPolynomial(coeffs)
		if err != nil {
			return nil, tss.NewProtocolError("deriving shares: %v", err)
		}
		return &Output{PrivateShare: poly.Evaluate(evalPoint(me))}, nil
	}
}

// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// Scalar is a value in the secp256k1 group order field.
type Scalar = secp256k1.ModNScalar

// Point is a secp256k1 curve point. The zero value is the identity element.
type Point struct {
	p secp256k1.JacobianPoint
}

// NewIdentityPoint returns the identity element.
func NewIdentityPoint() *Point {
	return &Point{}
}

// RandomScalar samples a uniformly random non-zero scalar.
func RandomScalar() (*Scalar, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "sampling scalar")
	}
	s := new(Scalar)
	s.Set(&priv.Key)
	return s, nil
}

// ScalarFromUint32 returns i as a scalar.
func ScalarFromUint32(i uint32) *Scalar {
	s := new(Scalar)
	s.SetInt(i)
	return s
}

// ScalarBaseMult returns k*G.
func ScalarBaseMult(k *Scalar) *Point {
	var r Point
	secp256k1.ScalarBaseMultNonConst(k, &r.p)
	return &r
}

// Add returns p+q without mutating either operand.
func (p *Point) Add(q *Point) *Point {
	var r Point
	secp256k1.AddNonConst(&p.p, &q.p, &r.p)
	return &r
}

// ScalarMult returns k*p.
func (p *Point) ScalarMult(k *Scalar) *Point {
	var r Point
	pp := p.p
	secp256k1.ScalarMultNonConst(k, &pp, &r.p)
	return &r
}

// IsIdentity reports whether p is the identity element.
func (p *Point) IsIdentity() bool {
	return (p.p.X.IsZero() && p.p.Y.IsZero()) || p.p.Z.IsZero()
}

// Bytes returns the 33-byte compressed SEC1 encoding of p.
func (p *Point) Bytes() []byte {
	aff := p.p
	aff.ToAffine()
	return secp256k1.NewPublicKey(&aff.X, &aff.Y).SerializeCompressed()
}

// PubKey returns p as a parsed public key, suitable for ECDSA verification.
func (p *Point) PubKey() *secp256k1.PublicKey {
	aff := p.p
	aff.ToAffine()
	return secp256k1.NewPublicKey(&aff.X, &aff.Y)
}

// XScalar returns the affine x-coordinate of p reduced mod the group order.
func (p *Point) XScalar() *Scalar {
	aff := p.p
	aff.ToAffine()
	s := new(Scalar)
	s.SetByteSlice(aff.X.Bytes()[:])
	return s
}

// ParsePoint decodes a compressed SEC1 encoding produced by Bytes.
func ParsePoint(b []byte) (*Point, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, errors.Wrap(err, "parsing curve point")
	}
	raw := pk.SerializeUncompressed()
	var x, y, z secp256k1.FieldVal
	x.SetByteSlice(raw[1:33])
	y.SetByteSlice(raw[33:65])
	z.SetInt(1)
	return &Point{p: secp256k1.MakeJacobianPoint(&x, &y, &z)}, nil
}

// Equals reports whether p and q are the same curve point.
func (p *Point) Equals(q *Point) bool {
	if p.IsIdentity() || q.IsIdentity() {
		return p.IsIdentity() && q.IsIdentity()
	}
	return bytes.Equal(p.Bytes(), q.Bytes())
}

// MarshalJSON encodes the point as its hex compressed form.
func (p *Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(p.Bytes()))
}

// UnmarshalJSON decodes a hex compressed point.
func (p *Point) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "decoding curve point hex")
	}
	parsed, err := ParsePoint(raw)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

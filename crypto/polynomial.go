// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package crypto

import (
	"github.com/pkg/errors"
)

// Polynomial is a polynomial over the secp256k1 scalar field, kept as its
// coefficient vector with the constant term first.
type Polynomial struct {
	coeffs []*Scalar
}

// NewPolynomial wraps an explicit coefficient vector, constant term first.
func NewPolynomial(coeffs []*Scalar) (*Polynomial, error) {
	if len(coeffs) == 0 {
		return nil, errors.New("polynomial needs at least one coefficient")
	}
	return &Polynomial{coeffs: coeffs}, nil
}

// NewRandomPolynomial samples a polynomial of the given degree with the given
// constant term. The secret being shared lives at x=0.
func NewRandomPolynomial(constant *Scalar, degree int) (*Polynomial, error) {
	if degree < 0 {
		return nil, errors.Errorf("invalid polynomial degree %d", degree)
	}
	coeffs := make([]*Scalar, degree+1)
	c0 := new(Scalar)
	c0.Set(constant)
	coeffs[0] = c0
	for i := 1; i <= degree; i++ {
		c, err := RandomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return &Polynomial{coeffs: coeffs}, nil
}

// Evaluate computes the polynomial at x by Horner's rule.
func (p *Polynomial) Evaluate(x *Scalar) *Scalar {
	result := new(Scalar)
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		result.Mul(x)
		result.Add(p.coeffs[i])
	}
	return result
}

// Commitments returns the Feldman commitment c_k*G for every coefficient.
func (p *Polynomial) Commitments() []*Point {
	commits := make([]*Point, len(p.coeffs))
	for i, c := range p.coeffs {
		commits[i] = ScalarBaseMult(c)
	}
	return commits
}

// EvaluateCommitments evaluates a commitment vector at x, yielding f(x)*G
// without knowledge of f. Used to verify a received share against the
// dealer's published commitments.
func EvaluateCommitments(commits []*Point, x *Scalar) *Point {
	result := NewIdentityPoint()
	xPow := new(Scalar)
	xPow.SetInt(1)
	for _, c := range commits {
		result = result.Add(c.ScalarMult(xPow))
		xPow.Mul(x)
	}
	return result
}

// LagrangeAtZero computes the Lagrange basis coefficient at x=0 for the i-th
// of the given pairwise-distinct evaluation points.
func LagrangeAtZero(points []*Scalar, i int) (*Scalar, error) {
	if i < 0 || i >= len(points) {
		return nil, errors.Errorf("lagrange index %d out of range", i)
	}
	num := new(Scalar)
	num.SetInt(1)
	den := new(Scalar)
	den.SetInt(1)
	for j, xj := range points {
		if j == i {
			continue
		}
		num.Mul(xj)
		diff := new(Scalar)
		diff.Set(xj)
		neg := new(Scalar)
		neg.Set(points[i])
		neg.Negate()
		diff.Add(neg)
		if diff.IsZero() {
			return nil, errors.Errorf("duplicate evaluation point at %d and %d", i, j)
		}
		den.Mul(diff)
	}
	denInv := new(Scalar)
	denInv.InverseValNonConst(den)
	return num.Mul(denInv), nil
}

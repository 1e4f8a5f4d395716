// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package kdf derives per-account child keys from the quorum's shared public
// key. Derivation is additive, so signature shares produced under the group
// key can be shifted to a child key without another round of key generation.
package kdf

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/kisdex/mpc-node/crypto"
)

const epsilonDerivationPrefix = "mpc-node v0.1.0 epsilon derivation:"

// DeriveEpsilon maps an account id and derivation path to the scalar tweak
// for that account's child key. Every node computes the same value.
func DeriveEpsilon(accountID, path string) *crypto.Scalar {
	digest := sha3.Sum256([]byte(fmt.Sprintf("%s%s,%s", epsilonDerivationPrefix, accountID, path)))
	s := new(crypto.Scalar)
	s.SetByteSlice(digest[:])
	return s
}

// DeriveKey returns the child public key publicKey + epsilon*G.
func DeriveKey(publicKey *crypto.Point, epsilon *crypto.Scalar) *crypto.Point {
	return publicKey.Add(crypto.ScalarBaseMult(epsilon))
}

// DeriveAddress renders a child key as a mainnet base58check P2PKH address.
func DeriveAddress(publicKey *crypto.Point, accountID, path string) (string, error) {
	child := DeriveKey(publicKey, DeriveEpsilon(accountID, path))
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(child.Bytes()), &chaincfg.MainNetParams)
	if err != nil {
		return "", errors.Wrap(err, "encoding derived address")
	}
	return addr.EncodeAddress(), nil
}

// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package tss

import (
	"sort"
)

// Participant identifies a party within one protocol epoch. Identifiers are
// small opaque integers, totally ordered and unique within the epoch.
type Participant uint32

// SortParticipants returns a sorted copy of the given participant set.
// Every node must derive the same ordering for the same set.
func SortParticipants(ps []Participant) []Participant {
	sorted := make([]Participant, len(ps))
	copy(sorted, ps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

// IndexOf returns the position of p in ps, or -1 when absent.
func IndexOf(ps []Participant, p Participant) int {
	for i, q := range ps {
		if q == p {
			return i
		}
	}
	return -1
}

// Contains reports whether p is a member of ps.
func Contains(ps []Participant, p Participant) bool {
	return IndexOf(ps, p) >= 0
}

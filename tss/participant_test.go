// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package tss

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortParticipants(t *testing.T) {
	in := []Participant{4, 0, 2}
	sorted := SortParticipants(in)
	assert.Equal(t, []Participant{0, 2, 4}, sorted)
	assert.Equal(t, []Participant{4, 0, 2}, in, "sorting must not mutate the input")
}

func TestIndexOfAndContains(t *testing.T) {
	ps := []Participant{1, 3, 5}
	assert.Equal(t, 1, IndexOf(ps, 3))
	assert.Equal(t, -1, IndexOf(ps, 2))
	assert.True(t, Contains(ps, 5))
	assert.False(t, Contains(ps, 0))
}

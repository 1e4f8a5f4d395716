// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package test provides a loopback network for driving poke-based protocols
// in-process: broadcasts fan out to every other party, private sends go to
// their recipient, and the run finishes when every party has returned.
package test

import (
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/tss"
)

// maxRounds caps a run so that a livelocked protocol fails fast instead of
// hanging the test suite.
const maxRounds = 10000

// RunProtocols drives all protocols to completion over a loopback transport
// and returns every party's output.
func RunProtocols(protocols map[tss.Participant]tss.Protocol) (map[tss.Participant]interface{}, error) {
	var order []tss.Participant
	for p := range protocols {
		order = append(order, p)
	}
	order = tss.SortParticipants(order)

	outputs := make(map[tss.Participant]interface{})
	for round := 0; round < maxRounds; round++ {
		progressed := false
		for _, p := range order {
			if _, done := outputs[p]; done {
				continue
			}
			action, err := protocols[p].Poke()
			if err != nil {
				return nil, errors.Wrapf(err, "participant %d", p)
			}
			switch action.Type {
			case tss.ActionWait:
			case tss.ActionSendMany:
				for _, q := range order {
					if q == p {
						continue
					}
					protocols[q].Message(p, action.Data)
				}
				progressed = true
			case tss.ActionSendPrivate:
				target, ok := protocols[action.To]
				if !ok {
					return nil, errors.Errorf("participant %d sent to unknown participant %d", p, action.To)
				}
				target.Message(p, action.Data)
				progressed = true
			case tss.ActionReturn:
				outputs[p] = action.Output
				progressed = true
			}
		}
		if len(outputs) == len(order) {
			return outputs, nil
		}
		if !progressed {
			return nil, errors.Errorf("deadlock: %d of %d participants finished", len(outputs), len(order))
		}
	}
	return nil, errors.Errorf("no completion after %d rounds", maxRounds)
}

// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

// Package sim is the stand-in for the external threshold-MPC library the
// node drives through tss.Protocol. This repository deliberately does not
// implement the real subprotocols; no Go library exposes the poke-based
// driver interface, so this package fakes the boundary instead: each party
// broadcasts a random seed (plus optional protocol payload) and hands a
// private pad to its peers, and once the whole transcript is pooled every
// output is derived deterministically from it.
//
// The simulation preserves what the orchestration core observes — message
// flow over both channels, identical public values on every party, shares
// that recombine — and nothing else. There is no secrecy: anyone holding the
// transcript can recompute every share. Deployments must replace the
// protocols built on this package with a real MPC implementation.
package sim

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/tss"
)

const (
	msgBroadcast byte = 1
	msgPrivate   byte = 2

	// SeedSize is the length of the random seed opening every broadcast
	// payload.
	SeedSize = 32
)

// Finisher derives a protocol's output once the transcript is complete.
type Finisher func(t *Transcript) (interface{}, error)

// Config describes one simulated protocol run.
type Config struct {
	// Participants is the sorted broadcast set, including Me.
	Participants []tss.Participant
	Me           tss.Participant
	// PrivateTo receives a private pad each; nil means every
	// higher-numbered participant. The pads carry no protocol data — they
	// exist so the driver's confidential channel sees traffic, as the real
	// subprotocols would produce.
	PrivateTo []tss.Participant
	// Extra is appended to this party's broadcast after the seed.
	Extra []byte
	// EarlyResult, when non-nil, is returned as soon as this party's deal
	// is on the wire instead of waiting for the pooled transcript. Used by
	// parties that only contribute and are owed nothing back.
	EarlyResult interface{}
	Finish      Finisher
}

type inbound struct {
	from tss.Participant
	data []byte
}

// Protocol is one in-flight simulated subprotocol, driven by Poke.
type Protocol struct {
	mu     sync.Mutex
	cfg    Config
	seeds  map[tss.Participant][]byte
	inbox  []inbound
	outbox []tss.Action
	dealt  bool
	result interface{}
	err    error
}

// New wires a simulated protocol. Callers validate their own parameters.
func New(cfg Config) *Protocol {
	return &Protocol{
		cfg:   cfg,
		seeds: make(map[tss.Participant][]byte),
	}
}

// Message feeds a payload received from a peer. Messages from self are
// ignored; parsing happens inside Poke.
func (p *Protocol) Message(from tss.Participant, data []byte) {
	if from == p.cfg.Me {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	p.inbox = append(p.inbox, inbound{from: from, data: buf})
}

// Poke advances the protocol and reports the next action.
func (p *Protocol) Poke() (tss.Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return tss.Action{}, p.err
	}
	if !p.dealt {
		if err := p.deal(); err != nil {
			p.err = err
			return tss.Action{}, err
		}
	}
	if err := p.drainInbox(); err != nil {
		p.err = err
		return tss.Action{}, err
	}
	if len(p.outbox) > 0 {
		action := p.outbox[0]
		p.outbox = p.outbox[1:]
		return action, nil
	}
	if p.result == nil {
		switch {
		case p.cfg.EarlyResult != nil:
			p.result = p.cfg.EarlyResult
		case len(p.seeds) == len(p.cfg.Participants):
			out, err := p.cfg.Finish(&Transcript{
				Participants: p.cfg.Participants,
				Me:           p.cfg.Me,
				payloads:     p.seeds,
			})
			if err != nil {
				p.err = err
				return tss.Action{}, err
			}
			p.result = out
		}
	}
	if p.result != nil {
		return tss.Return(p.result), nil
	}
	return tss.Wait(), nil
}

func (p *Protocol) deal() error {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return tss.NewProtocolError("dealing: %v", err)
	}
	payload := make([]byte, 0, 1+SeedSize+len(p.cfg.Extra))
	payload = append(payload, msgBroadcast)
	payload = append(payload, seed...)
	payload = append(payload, p.cfg.Extra...)
	p.outbox = append(p.outbox, tss.SendMany(payload))
	p.seeds[p.cfg.Me] = payload[1:]

	privateTo := p.cfg.PrivateTo
	if privateTo == nil {
		for _, q := range p.cfg.Participants {
			if q > p.cfg.Me {
				privateTo = append(privateTo, q)
			}
		}
	}
	for _, q := range privateTo {
		if q == p.cfg.Me {
			continue
		}
		pad := make([]byte, 1+SeedSize)
		pad[0] = msgPrivate
		if _, err := rand.Read(pad[1:]); err != nil {
			return tss.NewProtocolError("dealing: %v", err)
		}
		p.outbox = append(p.outbox, tss.SendPrivate(q, pad))
	}
	p.dealt = true
	return nil
}

func (p *Protocol) drainInbox() error {
	for _, msg := range p.inbox {
		if !tss.Contains(p.cfg.Participants, msg.from) {
			continue
		}
		if len(msg.data) == 0 {
			return tss.NewProtocolErrorFrom(msg.from, "empty payload")
		}
		switch msg.data[0] {
		case msgBroadcast:
			if len(msg.data) < 1+SeedSize {
				return tss.NewProtocolErrorFrom(msg.from, "broadcast payload too short (%d)", len(msg.data))
			}
			p.seeds[msg.from] = msg.data[1:]
		case msgPrivate:
			if len(msg.data) != 1+SeedSize {
				return tss.NewProtocolErrorFrom(msg.from, "bad pad length %d", len(msg.data))
			}
		default:
			return tss.NewProtocolErrorFrom(msg.from, "unknown payload tag %d", msg.data[0])
		}
	}
	p.inbox = nil
	return nil
}

// Transcript is the pooled broadcast material every party ends up with.
type Transcript struct {
	Participants []tss.Participant
	Me           tss.Participant
	payloads     map[tss.Participant][]byte
}

// Index returns the position of Me in the participant ordering.
func (t *Transcript) Index() int {
	return tss.IndexOf(t.Participants, t.Me)
}

// Extra returns the protocol payload p appended after its seed.
func (t *Transcript) Extra(p tss.Participant) []byte {
	payload := t.payloads[p]
	if len(payload) < SeedSize {
		return nil
	}
	return payload[SeedSize:]
}

// root hashes the whole transcript in participant order.
func (t *Transcript) root() [32]byte {
	h := sha3.New256()
	var id [4]byte
	for _, p := range t.Participants {
		binary.BigEndian.PutUint32(id[:], uint32(p))
		h.Write(id[:])
		h.Write(t.payloads[p])
	}
	var root [32]byte
	copy(root[:], h.Sum(nil))
	return root
}

// Scalar derives a scalar from the transcript, a domain tag and an index.
// Every party derives the same value.
func (t *Transcript) Scalar(tag string, index int) *crypto.Scalar {
	root := t.root()
	h := sha3.New256()
	h.Write(root[:])
	h.Write([]byte(tag))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	h.Write(idx[:])
	s := new(crypto.Scalar)
	s.SetByteSlice(h.Sum(nil))
	return s
}

// Split derives a deterministic additive sharing of total, one share per
// participant. Every party derives the same vector.
func (t *Transcript) Split(tag string, total *crypto.Scalar) ([]*crypto.Scalar, error) {
	n := len(t.Participants)
	if n == 0 {
		return nil, errors.New("splitting over no participants")
	}
	shares := make([]*crypto.Scalar, n)
	rest := new(crypto.Scalar)
	rest.Set(total)
	for i := 0; i < n-1; i++ {
		shares[i] = t.Scalar(tag, i)
		neg := new(crypto.Scalar)
		neg.Set(shares[i])
		neg.Negate()
		rest.Add(neg)
	}
	shares[n-1] = rest
	return shares, nil
}

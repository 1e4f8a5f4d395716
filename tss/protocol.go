// Copyright © 2019 Binance
//
// This file is part of Binance. The full Binance copyright notice, including
// terms governing use, modification, and redistribution, is contained in the
// file LICENSE at the root of the source code distribution tree.

package tss

import (
	"fmt"
)

// ActionType discriminates the variants of Action.
type ActionType int

const (
	// ActionWait means the protocol cannot progress until it receives
	// another message.
	ActionWait ActionType = iota
	// ActionSendMany asks the driver to deliver Data to every other
	// participant.
	ActionSendMany
	// ActionSendPrivate asks the driver to deliver Data to the single
	// participant To over a confidential channel.
	ActionSendPrivate
	// ActionReturn carries the protocol output; the protocol is finished.
	ActionReturn
)

// Action is what a protocol hands back from Poke. Exactly one variant is
// meaningful per action; use the constructors below.
type Action struct {
	Type   ActionType
	To     Participant
	Data   []byte
	Output interface{}
}

// Wait constructs the wait action.
func Wait() Action {
	return Action{Type: ActionWait}
}

// SendMany constructs a broadcast action.
func SendMany(data []byte) Action {
	return Action{Type: ActionSendMany, Data: data}
}

// SendPrivate constructs a private send action.
func SendPrivate(to Participant, data []byte) Action {
	return Action{Type: ActionSendPrivate, To: to, Data: data}
}

// Return constructs the terminal action carrying the protocol output.
func Return(output interface{}) Action {
	return Action{Type: ActionReturn, Output: output}
}

// Protocol is a cooperatively driven multi-party computation. Poke advances
// the protocol as far as it can without further input; it is synchronous CPU
// work and must never block or perform I/O. Message feeds an inbound payload
// from a peer; malformed payloads surface as errors from a later Poke.
//
// A protocol that returned ActionReturn returns the same output again on
// every later poke, so a driver that could not act on the output (for
// example because persisting it failed) can poke it again on the next tick.
type Protocol interface {
	Poke() (Action, error)
	Message(from Participant, data []byte)
}

// InitializationError reports that a protocol could not be constructed, for
// example because the local party is not in the participant set or the
// threshold is out of range.
type InitializationError struct {
	Msg string
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("protocol initialization: %s", e.Msg)
}

// NewInitializationError formats an InitializationError.
func NewInitializationError(format string, a ...interface{}) *InitializationError {
	return &InitializationError{Msg: fmt.Sprintf(format, a...)}
}

// ProtocolError reports a failure while an initialized protocol was running,
// such as a malformed or inconsistent peer message.
type ProtocolError struct {
	Culprit *Participant
	Msg     string
}

func (e *ProtocolError) Error() string {
	if e.Culprit != nil {
		return fmt.Sprintf("protocol error (participant %d): %s", *e.Culprit, e.Msg)
	}
	return fmt.Sprintf("protocol error: %s", e.Msg)
}

// NewProtocolError formats a ProtocolError with no culprit.
func NewProtocolError(format string, a ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, a...)}
}

// NewProtocolErrorFrom formats a ProtocolError attributed to a participant.
func NewProtocolErrorFrom(culprit Participant, format string, a ...interface{}) *ProtocolError {
	return &ProtocolError{Culprit: &culprit, Msg: fmt.Sprintf(format, a...)}
}

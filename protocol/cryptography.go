package protocol

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/common"
	"github.com/kisdex/mpc-node/ecdsa/keygen"
	"github.com/kisdex/mpc-node/ecdsa/resharing"
	"github.com/kisdex/mpc-node/tss"
)

// UnknownParticipantError reports a participant id that is not in the
// relevant roster.
type UnknownParticipantError struct {
	Participant tss.Participant
}

func (e *UnknownParticipantError) Error() string {
	return fmt.Sprintf("unknown participant: %d", e.Participant)
}

// PeerMessenger delivers protocol messages to peers. Broadcast payloads go
// in the clear; private payloads are sealed to the recipient's cipher key
// and signed by the sender.
type PeerMessenger interface {
	Message(ctx context.Context, info *ParticipantInfo, msg *MpcMessage) error
	MessageEncrypted(ctx context.Context, from tss.Participant, info *ParticipantInfo, msg *MpcMessage) error
}

// SecretNodeStorage persists the node's key share blob.
type SecretNodeStorage interface {
	Store(ctx context.Context, data *PersistentNodeData) error
	Load(ctx context.Context) (*PersistentNodeData, error)
}

// CryptographicCtx is what progress needs from the node runtime.
type CryptographicCtx interface {
	MyAccountID() string
	Messenger() PeerMessenger
	SecretStorage() SecretNodeStorage
}

// Progress advances whatever MPC protocol the state carries by one step.
// States with nothing to drive pass through unchanged.
func Progress(ctx context.Context, cctx CryptographicCtx, state NodeState) (NodeState, error) {
	switch s := state.(type) {
	case *GeneratingState:
		return s.progress(ctx, cctx)
	case *ResharingState:
		return s.progress(ctx, cctx)
	case *RunningState:
		return s.progress(ctx, cctx)
	}
	return state, nil
}

func (s *GeneratingState) progress(ctx context.Context, cctx CryptographicCtx) (NodeState, error) {
	common.Logger.Info("progressing key generation")
	me := s.Participants.FindParticipantInfo(cctx.MyAccountID())
	if me == nil {
		return s, errors.Errorf("own account %s is not in the generating roster", cctx.MyAccountID())
	}
	for {
		action, err := s.Protocol.Poke()
		if err != nil {
			return s, err
		}
		switch action.Type {
		case tss.ActionWait:
			common.Logger.Debug("waiting")
			return s, nil
		case tss.ActionSendMany:
			msg := &MpcMessage{Generating: &GeneratingMessage{From: me.ID, Data: action.Data}}
			for _, p := range s.Participants.Keys() {
				if p == me.ID {
					// The protocol never talks to itself.
					continue
				}
				if err := cctx.Messenger().Message(ctx, s.Participants.Get(p), msg); err != nil {
					common.Logger.Warnf("failed to send generating message to %d: %v", p, err)
				}
			}
		case tss.ActionSendPrivate:
			info := s.Participants.Get(action.To)
			if info == nil {
				return s, &UnknownParticipantError{Participant: action.To}
			}
			msg := &MpcMessage{Generating: &GeneratingMessage{From: me.ID, Data: action.Data}}
			if err := cctx.Messenger().MessageEncrypted(ctx, me.ID, info, msg); err != nil {
				common.Logger.Warnf("failed to send private generating message to %d: %v", action.To, err)
			}
		case tss.ActionReturn:
			out := action.Output.(*keygen.Output)
			data := &PersistentNodeData{Epoch: 0, PrivateShare: out.PrivateShare, PublicKey: out.PublicKey}
			if err := cctx.SecretStorage().Store(ctx, data); err != nil {
				// Stay put; the protocol re-returns next tick.
				return s, errors.Wrap(err, "persisting generated key share")
			}
			common.Logger.Infof("successfully completed key generation, public key %x", out.PublicKey.Bytes())
			return &WaitingForConsensusState{
				Epoch:        0,
				Participants: s.Participants,
				Threshold:    s.Threshold,
				PrivateShare: out.PrivateShare,
				PublicKey:    out.PublicKey,
			}, nil
		}
	}
}

func (s *ResharingState) progress(ctx context.Context, cctx CryptographicCtx) (NodeState, error) {
	common.Logger.Info("progressing key reshare")
	me := s.FindParticipantInfo(cctx.MyAccountID())
	if me == nil {
		return s, errors.Errorf("own account %s is in neither resharing roster", cctx.MyAccountID())
	}
	for {
		action, err := s.Protocol.Poke()
		if err != nil {
			return s, err
		}
		switch action.Type {
		case tss.ActionWait:
			common.Logger.Debug("waiting")
			return s, nil
		case tss.ActionSendMany:
			msg := &MpcMessage{Resharing: &ResharingMessage{Epoch: s.OldEpoch, From: me.ID, Data: action.Data}}
			for _, p := range s.NewParticipants.Keys() {
				if p == me.ID {
					continue
				}
				if err := cctx.Messenger().Message(ctx, s.NewParticipants.Get(p), msg); err != nil {
					common.Logger.Warnf("failed to send resharing message to %d: %v", p, err)
				}
			}
		case tss.ActionSendPrivate:
			info := s.NewParticipants.Get(action.To)
			if info == nil {
				return s, &UnknownParticipantError{Participant: action.To}
			}
			msg := &MpcMessage{Resharing: &ResharingMessage{Epoch: s.OldEpoch, From: me.ID, Data: action.Data}}
			if err := cctx.Messenger().MessageEncrypted(ctx, me.ID, info, msg); err != nil {
				common.Logger.Warnf("failed to send private resharing message to %d: %v", action.To, err)
			}
		case tss.ActionReturn:
			out := action.Output.(*resharing.Output)
			if out.PrivateShare == nil {
				// We dealt our old share away and are not in the new set.
				common.Logger.Infof("reshared away own share for epoch %d", s.OldEpoch+1)
				return &JoiningState{Participants: s.NewParticipants, PublicKey: s.PublicKey}, nil
			}
			data := &PersistentNodeData{Epoch: s.OldEpoch + 1, PrivateShare: out.PrivateShare, PublicKey: s.PublicKey}
			if err := cctx.SecretStorage().Store(ctx, data); err != nil {
				return s, errors.Wrap(err, "persisting reshared key share")
			}
			common.Logger.Infof("successfully completed key reshare for epoch %d", s.OldEpoch+1)
			return &WaitingForConsensusState{
				Epoch:        s.OldEpoch + 1,
				Participants: s.NewParticipants,
				Threshold:    s.Threshold,
				PrivateShare: out.PrivateShare,
				PublicKey:    s.PublicKey,
			}, nil
		}
	}
}

func (s *RunningState) progress(ctx context.Context, cctx CryptographicCtx) (NodeState, error) {
	me := s.Participants.FindParticipantInfo(cctx.MyAccountID())
	if me == nil {
		return s, errors.Errorf("own account %s is not in the running roster", cctx.MyAccountID())
	}

	if s.Triples.PotentialLen() < 2 {
		if err := s.Triples.Generate(); err != nil {
			return s, err
		}
	}
	tripleSends, tripleErr := s.Triples.Poke()
	for _, send := range tripleSends {
		if send.To == me.ID {
			continue
		}
		if err := s.deliver(ctx, cctx, me.ID, send.To, send.Private, &MpcMessage{Triple: &send.Message}); err != nil {
			return s, err
		}
	}

	if s.Presignatures.PotentialLen() < 2 {
		if t0, t1, ok := s.Triples.TakeTwoMine(); ok {
			if err := s.Presignatures.Generate(t0, t1, s.PrivateShare); err != nil {
				return s, err
			}
		}
	}
	presigSends, presigErr := s.Presignatures.Poke()
	for _, send := range presigSends {
		if send.To == me.ID {
			continue
		}
		if err := s.deliver(ctx, cctx, me.ID, send.To, send.Private, &MpcMessage{Presignature: &send.Message}); err != nil {
			return s, err
		}
	}

	for {
		req, ok := s.SignQueue.Take()
		if !ok {
			break
		}
		presig, ok := s.Presignatures.TakeMine()
		if !ok {
			// No owned presignature yet; try again next tick.
			s.SignQueue.Add(req)
			break
		}
		if err := s.Signatures.Generate(req, presig); err != nil {
			return s, err
		}
	}
	sigSends, sigErr := s.Signatures.Poke()
	for _, send := range sigSends {
		if send.To == me.ID {
			continue
		}
		if err := s.deliver(ctx, cctx, me.ID, send.To, send.Private, &MpcMessage{Signature: &send.Message}); err != nil {
			return s, err
		}
	}

	for _, err := range []error{tripleErr, presigErr, sigErr} {
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

// deliver resolves the recipient and picks the plaintext or encrypted path.
// Transport failures are logged and the message is dropped; the subprotocols
// emit each action once and do not send it again on later pokes.
func (s *RunningState) deliver(ctx context.Context, cctx CryptographicCtx, me, to tss.Participant, private bool, msg *MpcMessage) error {
	info := s.Participants.Get(to)
	if info == nil {
		return &UnknownParticipantError{Participant: to}
	}
	var err error
	if private {
		err = cctx.Messenger().MessageEncrypted(ctx, me, info, msg)
	} else {
		err = cctx.Messenger().Message(ctx, info, msg)
	}
	if err != nil {
		common.Logger.Warnf("failed to send message to %d: %v", to, err)
	}
	return nil
}

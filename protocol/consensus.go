package protocol

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/common"
	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/keygen"
	"github.com/kisdex/mpc-node/ecdsa/resharing"
)

// ContractClient is the node's view of the coordination contract: a
// read-only state source plus an idempotent vote sink.
type ContractClient interface {
	FetchState(ctx context.Context) (ProtocolState, error)
	VotePublicKey(ctx context.Context, publicKey *crypto.Point) error
	VoteReshared(ctx context.Context, epoch uint64) error
	VoteJoin(ctx context.Context) error
}

// ConsensusCtx is what advance needs from the node runtime.
type ConsensusCtx interface {
	MyAccountID() string
	SecretStorage() SecretNodeStorage
	ContractClient() ContractClient
	SignQueue() *SignQueue
	TripleStockpile() *int
}

// Consensus error kinds. Transient disagreements are handled by logging and
// staying put; these surface only genuine state violations.
var (
	ErrEpochRollback         = errors.New("contract epoch is behind the local epoch")
	ErrMismatchedPublicKey   = errors.New("contract public key does not match the local key")
	ErrMissingPersistentData = errors.New("persistent node data is required but missing")
)

// Advance reacts to the contract's declared state, possibly transitioning
// the node. Unknown combinations never panic; they log and leave the state
// for the next tick.
func Advance(ctx context.Context, cctx ConsensusCtx, state NodeState, contractState ProtocolState) (NodeState, error) {
	switch s := state.(type) {
	case *StartingState:
		return s.advance(ctx, cctx)
	case *StartedState:
		return s.advance(ctx, cctx, contractState)
	case *GeneratingState:
		return s.advance(ctx, cctx, contractState)
	case *WaitingForConsensusState:
		return s.advance(ctx, cctx, contractState)
	case *RunningState:
		return s.advance(ctx, cctx, contractState)
	case *ResharingState:
		return s.advance(ctx, cctx, contractState)
	case *JoiningState:
		return s.advance(ctx, cctx, contractState)
	}
	common.Logger.Warnf("advance: unhandled state %s", state.StateName())
	return state, nil
}

func (s *StartingState) advance(ctx context.Context, cctx ConsensusCtx) (NodeState, error) {
	data, err := cctx.SecretStorage().Load(ctx)
	if err != nil {
		return s, errors.Wrap(err, "loading persistent node data")
	}
	if data != nil {
		common.Logger.Infof("loaded persistent node data for epoch %d", data.Epoch)
	}
	return &StartedState{Data: data}, nil
}

func (s *StartedState) advance(ctx context.Context, cctx ConsensusCtx, contractState ProtocolState) (NodeState, error) {
	switch contract := contractState.(type) {
	case *InitializingContractState:
		if s.Data != nil {
			common.Logger.Infof("contract is initializing but we have key material for epoch %d", s.Data.Epoch)
			return &WaitingForConsensusState{
				Epoch:        s.Data.Epoch,
				Participants: contract.Candidates,
				Threshold:    contract.Threshold,
				PrivateShare: s.Data.PrivateShare,
				PublicKey:    s.Data.PublicKey,
			}, nil
		}
		me := contract.Candidates.FindParticipantInfo(cctx.MyAccountID())
		if me == nil {
			common.Logger.Infof("we are not a candidate, waiting to be invited")
			return s, nil
		}
		common.Logger.Infof("starting key generation as participant %d", me.ID)
		protocol, err := keygen.NewProtocol(contract.Candidates.Keys(), me.ID, contract.Threshold)
		if err != nil {
			return s, err
		}
		return &GeneratingState{
			Participants: contract.Candidates,
			Threshold:    contract.Threshold,
			Protocol:     protocol,
		}, nil
	case *RunningContractState:
		if s.Data == nil {
			common.Logger.Info("contract is running and we have no key material, joining")
			return &JoiningState{Participants: contract.Participants, PublicKey: contract.PublicKey}, nil
		}
		if s.Data.Epoch != contract.Epoch {
			common.Logger.Warnf("contract epoch %d does not match our epoch %d, joining", contract.Epoch, s.Data.Epoch)
			return &JoiningState{Participants: contract.Participants, PublicKey: contract.PublicKey}, nil
		}
		if !s.Data.PublicKey.Equals(contract.PublicKey) {
			return s, ErrMismatchedPublicKey
		}
		if !contract.Participants.ContainsAccount(cctx.MyAccountID()) {
			return &JoiningState{Participants: contract.Participants, PublicKey: contract.PublicKey}, nil
		}
		return newRunningState(cctx, contract.Epoch, contract.Participants, contract.Threshold, s.Data.PrivateShare, contract.PublicKey)
	case *ResharingContractState:
		return advanceIntoResharing(cctx, s, contract, s.Data)
	}
	return s, nil
}

func (s *GeneratingState) advance(_ context.Context, _ ConsensusCtx, contractState ProtocolState) (NodeState, error) {
	switch contractState.(type) {
	case *InitializingContractState:
		return s, nil
	case *RunningContractState:
		// The rest of the quorum finished; our own generation catches up
		// through progress.
		common.Logger.Info("contract is running, waiting for our own key generation to finish")
		return s, nil
	}
	common.Logger.Warnf("unexpected contract state while generating, retrying next tick")
	return s, nil
}

func (s *WaitingForConsensusState) advance(ctx context.Context, cctx ConsensusCtx, contractState ProtocolState) (NodeState, error) {
	switch contract := contractState.(type) {
	case *InitializingContractState:
		common.Logger.Info("voting for the generated public key")
		if err := cctx.ContractClient().VotePublicKey(ctx, s.PublicKey); err != nil {
			common.Logger.Warnf("vote failed, retrying next tick: %v", err)
		}
		return s, nil
	case *RunningContractState:
		switch {
		case contract.Epoch == s.Epoch:
			if !s.PublicKey.Equals(contract.PublicKey) {
				return s, ErrMismatchedPublicKey
			}
			// The contract's roster is authoritative even when it differs
			// from what we negotiated with.
			if !contract.Participants.Equal(s.Participants) {
				common.Logger.Warnf("contract roster differs from ours, rebuilding from the contract view")
			}
			common.Logger.Infof("consensus reached, running at epoch %d", s.Epoch)
			return newRunningState(cctx, s.Epoch, contract.Participants, contract.Threshold, s.PrivateShare, s.PublicKey)
		case contract.Epoch+1 == s.Epoch:
			common.Logger.Infof("contract is one epoch behind, voting for epoch %d", s.Epoch)
			if err := cctx.ContractClient().VoteReshared(ctx, s.Epoch); err != nil {
				common.Logger.Warnf("vote failed, retrying next tick: %v", err)
			}
			return s, nil
		case contract.Epoch > s.Epoch:
			common.Logger.Warnf("contract epoch %d is ahead of ours (%d), joining", contract.Epoch, s.Epoch)
			return &JoiningState{Participants: contract.Participants, PublicKey: contract.PublicKey}, nil
		}
		return s, ErrEpochRollback
	case *ResharingContractState:
		if contract.OldEpoch+1 == s.Epoch {
			common.Logger.Infof("contract is still resharing, voting for epoch %d", s.Epoch)
			if err := cctx.ContractClient().VoteReshared(ctx, s.Epoch); err != nil {
				common.Logger.Warnf("vote failed, retrying next tick: %v", err)
			}
			return s, nil
		}
		if contract.OldEpoch == s.Epoch {
			return advanceIntoResharing(cctx, s, contract, &PersistentNodeData{
				Epoch:        s.Epoch,
				PrivateShare: s.PrivateShare,
				PublicKey:    s.PublicKey,
			})
		}
		common.Logger.Warnf("unexpected resharing from epoch %d while waiting at epoch %d", contract.OldEpoch, s.Epoch)
		return s, nil
	}
	return s, nil
}

func (s *RunningState) advance(_ context.Context, cctx ConsensusCtx, contractState ProtocolState) (NodeState, error) {
	switch contract := contractState.(type) {
	case *RunningContractState:
		if contract.Epoch != s.Epoch {
			common.Logger.Warnf("contract epoch %d does not match running epoch %d", contract.Epoch, s.Epoch)
			return s, nil
		}
		if !contract.Participants.Equal(s.Participants) {
			common.Logger.Warnf("contract roster changed within epoch %d, rebuilding", s.Epoch)
			return newRunningState(cctx, s.Epoch, contract.Participants, contract.Threshold, s.PrivateShare, s.PublicKey)
		}
		return s, nil
	case *ResharingContractState:
		if contract.OldEpoch != s.Epoch {
			common.Logger.Warnf("resharing from epoch %d does not match running epoch %d", contract.OldEpoch, s.Epoch)
			return s, nil
		}
		return advanceIntoResharing(cctx, s, contract, &PersistentNodeData{
			Epoch:        s.Epoch,
			PrivateShare: s.PrivateShare,
			PublicKey:    s.PublicKey,
		})
	}
	common.Logger.Warnf("unexpected contract state while running, retrying next tick")
	return s, nil
}

func (s *ResharingState) advance(_ context.Context, _ ConsensusCtx, contractState ProtocolState) (NodeState, error) {
	switch contract := contractState.(type) {
	case *ResharingContractState:
		if contract.OldEpoch != s.OldEpoch {
			common.Logger.Warnf("contract reshares from epoch %d, we reshare from %d", contract.OldEpoch, s.OldEpoch)
		}
		return s, nil
	case *RunningContractState:
		if contract.Epoch == s.OldEpoch+1 {
			// The quorum concluded; our own reshare catches up through
			// progress.
			common.Logger.Info("contract finished resharing, waiting for our own reshare to finish")
			return s, nil
		}
		common.Logger.Warnf("contract is running at epoch %d while we reshare from %d", contract.Epoch, s.OldEpoch)
		return s, nil
	}
	common.Logger.Warnf("unexpected contract state while resharing, retrying next tick")
	return s, nil
}

func (s *JoiningState) advance(ctx context.Context, cctx ConsensusCtx, contractState ProtocolState) (NodeState, error) {
	switch contract := contractState.(type) {
	case *RunningContractState:
		if !contract.Participants.ContainsAccount(cctx.MyAccountID()) {
			common.Logger.Debug("waiting to be added to the roster")
			if err := cctx.ContractClient().VoteJoin(ctx); err != nil {
				common.Logger.Warnf("join vote failed, retrying next tick: %v", err)
			}
			return &JoiningState{Participants: contract.Participants, PublicKey: contract.PublicKey}, nil
		}
		data, err := cctx.SecretStorage().Load(ctx)
		if err != nil {
			return s, errors.Wrap(err, "loading persistent node data")
		}
		if data == nil || data.Epoch != contract.Epoch {
			common.Logger.Info("in the roster without a share for this epoch, waiting for a reshare")
			return s, nil
		}
		return newRunningState(cctx, contract.Epoch, contract.Participants, contract.Threshold, data.PrivateShare, contract.PublicKey)
	case *ResharingContractState:
		if !contract.NewParticipants.ContainsAccount(cctx.MyAccountID()) {
			common.Logger.Debug("resharing does not include us, waiting")
			return s, nil
		}
		data, err := cctx.SecretStorage().Load(ctx)
		if err != nil {
			return s, errors.Wrap(err, "loading persistent node data")
		}
		if data != nil && data.Epoch != contract.OldEpoch {
			data = nil
		}
		return advanceIntoResharing(cctx, s, contract, data)
	}
	common.Logger.Warnf("unexpected contract state while joining, retrying next tick")
	return s, nil
}

// advanceIntoResharing enters the resharing state from any state that
// observed a resharing contract. data carries the old-epoch share when this
// node has one.
func advanceIntoResharing(cctx ConsensusCtx, prior NodeState, contract *ResharingContractState, data *PersistentNodeData) (NodeState, error) {
	inOld := contract.OldParticipants.ContainsAccount(cctx.MyAccountID())
	inNew := contract.NewParticipants.ContainsAccount(cctx.MyAccountID())
	if !inOld && !inNew {
		common.Logger.Info("resharing does not include us, joining")
		return &JoiningState{Participants: contract.NewParticipants, PublicKey: contract.PublicKey}, nil
	}
	if inOld {
		if data == nil {
			return prior, ErrMissingPersistentData
		}
		if data.Epoch != contract.OldEpoch {
			common.Logger.Warnf("our key material is for epoch %d, contract reshares from %d", data.Epoch, contract.OldEpoch)
			return prior, nil
		}
		if !data.PublicKey.Equals(contract.PublicKey) {
			return prior, ErrMismatchedPublicKey
		}
	}
	me := contract.NewParticipants.FindParticipantInfo(cctx.MyAccountID())
	if me == nil {
		me = contract.OldParticipants.FindParticipantInfo(cctx.MyAccountID())
	}
	var oldShare *crypto.Scalar
	if inOld {
		oldShare = data.PrivateShare
	}
	common.Logger.Infof("starting reshare from epoch %d as participant %d", contract.OldEpoch, me.ID)
	protocol, err := resharing.NewProtocol(
		contract.OldParticipants.Keys(),
		contract.NewParticipants.Keys(),
		me.ID,
		contract.Threshold,
		contract.PublicKey,
		oldShare,
	)
	if err != nil {
		return prior, err
	}
	return &ResharingState{
		OldEpoch:        contract.OldEpoch,
		OldParticipants: contract.OldParticipants,
		NewParticipants: contract.NewParticipants,
		Threshold:       contract.Threshold,
		PublicKey:       contract.PublicKey,
		Protocol:        protocol,
	}, nil
}

// newRunningState assembles the steady state and kicks off the triple
// stockpile for the epoch.
func newRunningState(cctx ConsensusCtx, epoch uint64, participants Participants, threshold int, privateShare *crypto.Scalar, publicKey *crypto.Point) (NodeState, error) {
	me := participants.FindParticipantInfo(cctx.MyAccountID())
	if me == nil {
		return nil, errors.Errorf("own account %s is not in the running roster", cctx.MyAccountID())
	}
	ids := participants.Keys()
	triplesMgr := NewTripleManager(ids, me.ID, threshold, epoch, cctx.TripleStockpile())
	if err := triplesMgr.GeneratePileByBandwidth(len(ids)); err != nil {
		return nil, err
	}
	return &RunningState{
		Epoch:         epoch,
		Participants:  participants,
		Threshold:     threshold,
		PrivateShare:  privateShare,
		PublicKey:     publicKey,
		SignQueue:     cctx.SignQueue(),
		Triples:       triplesMgr,
		Presignatures: NewPresignatureManager(ids, me.ID, threshold, epoch),
		Signatures:    NewSignatureManager(ids, me.ID, publicKey, epoch),
	}, nil
}

// Handle drains routed messages into the state's sub-protocols.
func Handle(_ context.Context, state NodeState, queue *MpcMessageQueue) error {
	return queue.handle(state)
}

package protocol

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/crypto/hpke"
	"github.com/kisdex/mpc-node/tss"
)

// ParticipantInfo is the roster entry the coordination contract publishes
// for one participant.
type ParticipantInfo struct {
	ID        tss.Participant   `json:"id"`
	AccountID string            `json:"account_id"`
	URL       string            `json:"url"`
	CipherPK  hpke.PublicKey    `json:"cipher_pk"`
	SignPK    ed25519.PublicKey `json:"sign_pk"`
}

// Participants is the ordered roster of an epoch. Iterate via Keys so that
// every node sees the same ordering.
type Participants map[tss.Participant]*ParticipantInfo

// Keys returns the participant ids in ascending order.
func (ps Participants) Keys() []tss.Participant {
	keys := make([]tss.Participant, 0, len(ps))
	for p := range ps {
		keys = append(keys, p)
	}
	return tss.SortParticipants(keys)
}

// Get returns the roster entry for p, or nil.
func (ps Participants) Get(p tss.Participant) *ParticipantInfo {
	return ps[p]
}

// Contains reports whether p is in the roster.
func (ps Participants) Contains(p tss.Participant) bool {
	_, ok := ps[p]
	return ok
}

// FindParticipantInfo looks a participant up by account id.
func (ps Participants) FindParticipantInfo(accountID string) *ParticipantInfo {
	for _, p := range ps.Keys() {
		if ps[p].AccountID == accountID {
			return ps[p]
		}
	}
	return nil
}

// ContainsAccount reports whether the roster has an entry for accountID.
func (ps Participants) ContainsAccount(accountID string) bool {
	return ps.FindParticipantInfo(accountID) != nil
}

// Equal reports whether two rosters agree on ids and account assignment.
func (ps Participants) Equal(other Participants) bool {
	if len(ps) != len(other) {
		return false
	}
	for p, info := range ps {
		otherInfo, ok := other[p]
		if !ok || otherInfo.AccountID != info.AccountID {
			return false
		}
	}
	return true
}

// ProtocolState is the state the coordination contract declares for the
// whole quorum.
type ProtocolState interface {
	isProtocolState()
}

// InitializingContractState means the quorum has not generated a key yet;
// candidate nodes should run key generation.
type InitializingContractState struct {
	Candidates Participants `json:"candidates"`
	Threshold  int          `json:"threshold"`
}

// RunningContractState is the steady state at a given epoch.
type RunningContractState struct {
	Epoch        uint64        `json:"epoch"`
	Participants Participants  `json:"participants"`
	Threshold    int           `json:"threshold"`
	PublicKey    *crypto.Point `json:"public_key"`
}

// ResharingContractState means the quorum is moving from one roster to
// another, keeping the public key.
type ResharingContractState struct {
	OldEpoch        uint64        `json:"old_epoch"`
	OldParticipants Participants  `json:"old_participants"`
	NewParticipants Participants  `json:"new_participants"`
	Threshold       int           `json:"threshold"`
	PublicKey       *crypto.Point `json:"public_key"`
}

func (*InitializingContractState) isProtocolState() {}
func (*RunningContractState) isProtocolState()      {}
func (*ResharingContractState) isProtocolState()    {}

type contractStateEnvelope struct {
	Initializing *InitializingContractState `json:"initializing,omitempty"`
	Running      *RunningContractState      `json:"running,omitempty"`
	Resharing    *ResharingContractState    `json:"resharing,omitempty"`
}

// MarshalContractState encodes a contract state as its JSON envelope.
func MarshalContractState(state ProtocolState) ([]byte, error) {
	var env contractStateEnvelope
	switch s := state.(type) {
	case *InitializingContractState:
		env.Initializing = s
	case *RunningContractState:
		env.Running = s
	case *ResharingContractState:
		env.Resharing = s
	default:
		return nil, errors.Errorf("unknown contract state %T", state)
	}
	return json.Marshal(&env)
}

// UnmarshalContractState decodes the JSON envelope produced by
// MarshalContractState.
func UnmarshalContractState(data []byte) (ProtocolState, error) {
	var env contractStateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decoding contract state")
	}
	switch {
	case env.Initializing != nil:
		return env.Initializing, nil
	case env.Running != nil:
		return env.Running, nil
	case env.Resharing != nil:
		return env.Resharing, nil
	}
	return nil, errors.New("contract state envelope is empty")
}

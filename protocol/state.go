package protocol

import (
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/tss"
)

// PersistentNodeData is the only durable secret: the node's key share for an
// epoch, written once per epoch and read at startup.
type PersistentNodeData struct {
	Epoch        uint64
	PrivateShare *crypto.Scalar
	PublicKey    *crypto.Point
}

type persistentNodeDataJSON struct {
	Epoch        uint64 `json:"epoch"`
	PrivateShare string `json:"private_share"`
	PublicKey    string `json:"public_key"`
}

// MarshalJSON encodes the share and key as hex for a self-describing blob.
func (d *PersistentNodeData) MarshalJSON() ([]byte, error) {
	raw := d.PrivateShare.Bytes()
	return json.Marshal(&persistentNodeDataJSON{
		Epoch:        d.Epoch,
		PrivateShare: hex.EncodeToString(raw[:]),
		PublicKey:    hex.EncodeToString(d.PublicKey.Bytes()),
	})
}

// UnmarshalJSON decodes the blob written by MarshalJSON.
func (d *PersistentNodeData) UnmarshalJSON(data []byte) error {
	var wire persistentNodeDataJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, "decoding node data")
	}
	shareRaw, err := hex.DecodeString(wire.PrivateShare)
	if err != nil {
		return errors.Wrap(err, "decoding private share")
	}
	pkRaw, err := hex.DecodeString(wire.PublicKey)
	if err != nil {
		return errors.Wrap(err, "decoding public key")
	}
	pk, err := crypto.ParsePoint(pkRaw)
	if err != nil {
		return err
	}
	share := new(crypto.Scalar)
	share.SetByteSlice(shareRaw)
	d.Epoch = wire.Epoch
	d.PrivateShare = share
	d.PublicKey = pk
	return nil
}

// NodeState is the node's actual state. Exactly one variant is active at a
// time; the run loop swaps it atomically under the state lock.
type NodeState interface {
	// StateName identifies the variant for logging and the debug endpoint.
	StateName() string
	// FetchParticipant resolves a participant id against the state's roster.
	FetchParticipant(p tss.Participant) (*ParticipantInfo, error)
	// FindParticipantInfo looks the roster up by account id.
	FindParticipantInfo(accountID string) *ParticipantInfo
}

// StartingState is the state before persistent data has been loaded.
type StartingState struct{}

// StartedState holds whatever was on disk; nil Data means a fresh node.
type StartedState struct {
	Data *PersistentNodeData
}

// GeneratingState drives distributed key generation. Protocol is the
// in-flight key generation handle; its Return output is a *keygen.Output.
type GeneratingState struct {
	Participants Participants
	Threshold    int
	Protocol     tss.Protocol
}

// WaitingForConsensusState means key material for an epoch is complete
// locally; the node waits for the contract to confirm the transition.
type WaitingForConsensusState struct {
	Epoch        uint64
	Participants Participants
	Threshold    int
	PrivateShare *crypto.Scalar
	PublicKey    *crypto.Point
}

// RunningState is the steady state: stockpile triples, build presignatures,
// serve signature requests.
type RunningState struct {
	Epoch         uint64
	Participants  Participants
	Threshold     int
	PrivateShare  *crypto.Scalar
	PublicKey     *crypto.Point
	SignQueue     *SignQueue
	Triples       *TripleManager
	Presignatures *PresignatureManager
	Signatures    *SignatureManager
}

// ResharingState drives the share handover between rosters. Protocol's
// Return output is a *resharing.Output.
type ResharingState struct {
	OldEpoch        uint64
	OldParticipants Participants
	NewParticipants Participants
	Threshold       int
	PublicKey       *crypto.Point
	Protocol        tss.Protocol
}

// JoiningState means this node is not in the current roster and waits for a
// resharing that includes it.
type JoiningState struct {
	Participants Participants
	PublicKey    *crypto.Point
}

func (*StartingState) StateName() string            { return "Starting" }
func (*StartedState) StateName() string             { return "Started" }
func (*GeneratingState) StateName() string          { return "Generating" }
func (*WaitingForConsensusState) StateName() string { return "WaitingForConsensus" }
func (*RunningState) StateName() string             { return "Running" }
func (*ResharingState) StateName() string           { return "Resharing" }
func (*JoiningState) StateName() string             { return "Joining" }

func fetchParticipant(p tss.Participant, participants Participants) (*ParticipantInfo, error) {
	info := participants.Get(p)
	if info == nil {
		return nil, &UnknownParticipantError{Participant: p}
	}
	return info, nil
}

func (*StartingState) FetchParticipant(p tss.Participant) (*ParticipantInfo, error) {
	return nil, &UnknownParticipantError{Participant: p}
}

func (*StartedState) FetchParticipant(p tss.Participant) (*ParticipantInfo, error) {
	return nil, &UnknownParticipantError{Participant: p}
}

func (s *GeneratingState) FetchParticipant(p tss.Participant) (*ParticipantInfo, error) {
	return fetchParticipant(p, s.Participants)
}

func (s *WaitingForConsensusState) FetchParticipant(p tss.Participant) (*ParticipantInfo, error) {
	return fetchParticipant(p, s.Participants)
}

func (s *RunningState) FetchParticipant(p tss.Participant) (*ParticipantInfo, error) {
	return fetchParticipant(p, s.Participants)
}

func (s *ResharingState) FetchParticipant(p tss.Participant) (*ParticipantInfo, error) {
	info, err := fetchParticipant(p, s.NewParticipants)
	if err == nil {
		return info, nil
	}
	return fetchParticipant(p, s.OldParticipants)
}

func (s *JoiningState) FetchParticipant(p tss.Participant) (*ParticipantInfo, error) {
	return fetchParticipant(p, s.Participants)
}

func (*StartingState) FindParticipantInfo(string) *ParticipantInfo { return nil }
func (*StartedState) FindParticipantInfo(string) *ParticipantInfo  { return nil }

func (s *GeneratingState) FindParticipantInfo(accountID string) *ParticipantInfo {
	return s.Participants.FindParticipantInfo(accountID)
}

func (s *WaitingForConsensusState) FindParticipantInfo(accountID string) *ParticipantInfo {
	return s.Participants.FindParticipantInfo(accountID)
}

func (s *RunningState) FindParticipantInfo(accountID string) *ParticipantInfo {
	return s.Participants.FindParticipantInfo(accountID)
}

func (s *ResharingState) FindParticipantInfo(accountID string) *ParticipantInfo {
	if info := s.NewParticipants.FindParticipantInfo(accountID); info != nil {
		return info
	}
	return s.OldParticipants.FindParticipantInfo(accountID)
}

func (s *JoiningState) FindParticipantInfo(accountID string) *ParticipantInfo {
	return s.Participants.FindParticipantInfo(accountID)
}

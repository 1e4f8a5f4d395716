package protocol

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/common"
	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/ecdsa/presign"
	"github.com/kisdex/mpc-node/tss"
)

// PresignatureID identifies one presignature generation across the quorum.
type PresignatureID = uint64

// Presignature is precomputed signing randomness: one message-independent
// nonce point with the shares needed to finish a signature in one round.
type Presignature struct {
	ID        PresignatureID
	BigR      *crypto.Point
	KInvShare *crypto.Scalar
	KXShare   *crypto.Scalar
}

// PresignatureMessage is the wire form of one presign payload. It names the
// two triples it consumes so joiners can take the same pair.
type PresignatureMessage struct {
	ID      PresignatureID  `json:"id"`
	Triple0 TripleID        `json:"triple0"`
	Triple1 TripleID        `json:"triple1"`
	Epoch   uint64          `json:"epoch"`
	From    tss.Participant `json:"from"`
	Data    []byte          `json:"data"`
}

// PresignatureSend is an outbound presign message produced by Poke.
type PresignatureSend struct {
	To      tss.Participant
	Private bool
	Message PresignatureMessage
}

// PresignatureMissingError reports a consumed or unknown presignature id.
type PresignatureMissingError struct {
	ID PresignatureID
}

func (e *PresignatureMissingError) Error() string {
	return fmt.Sprintf("presignature %d is missing", e.ID)
}

type presignGenerator struct {
	protocol *presign.Protocol
	triple0  TripleID
	triple1  TripleID
}

// PresignatureManager owns the pool of unspent presignatures and the
// in-flight presign protocols, mirroring the triple manager one level up.
type PresignatureManager struct {
	mu sync.Mutex

	presignatures map[PresignatureID]*Presignature
	generators    map[PresignatureID]*presignGenerator
	mine          []PresignatureID

	participants []tss.Participant
	me           tss.Participant
	threshold    int
	epoch        uint64
}

// NewPresignatureManager constructs a manager for one epoch's roster.
func NewPresignatureManager(participants []tss.Participant, me tss.Participant, threshold int, epoch uint64) *PresignatureManager {
	return &PresignatureManager{
		presignatures: make(map[PresignatureID]*Presignature),
		generators:    make(map[PresignatureID]*presignGenerator),
		participants:  tss.SortParticipants(participants),
		me:            me,
		threshold:     threshold,
		epoch:         epoch,
	}
}

// Len returns the number of unspent presignatures.
func (m *PresignatureManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.presignatures)
}

// MyLen returns the number of unspent presignatures owned by this node.
func (m *PresignatureManager) MyLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mine)
}

// PotentialLen counts unspent presignatures plus in-flight generations.
func (m *PresignatureManager) PotentialLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.presignatures) + len(m.generators)
}

// Generate starts a presign protocol from two triples this node owns.
func (m *PresignatureManager) Generate(t0, t1 *Triple, keyShare *crypto.Scalar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := randomID()
	if err != nil {
		return err
	}
	common.Logger.Debugf("starting presignature %d from triples %d and %d", id, t0.ID, t1.ID)
	protocol, err := presign.NewProtocol(m.participants, m.me, m.threshold, t0.Output(), t1.Output(), keyShare)
	if err != nil {
		return err
	}
	m.generators[id] = &presignGenerator{protocol: protocol, triple0: t0.ID, triple1: t1.ID}
	return nil
}

// GetOrGenerate joins a presign started elsewhere. The named triples are
// consumed from the triple manager; a missing triple aborts the join and is
// reported to the caller.
func (m *PresignatureManager) GetOrGenerate(id PresignatureID, triple0, triple1 TripleID, triplesMgr *TripleManager, keyShare *crypto.Scalar) (*presign.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.presignatures[id]; done {
		return nil, nil
	}
	if generator, ok := m.generators[id]; ok {
		return generator.protocol, nil
	}
	t0, t1, err := triplesMgr.TakeTwo(triple0, triple1)
	if err != nil {
		return nil, errors.Wrapf(err, "joining presignature %d", id)
	}
	common.Logger.Debugf("joining presignature %d from triples %d and %d", id, triple0, triple1)
	protocol, err := presign.NewProtocol(m.participants, m.me, m.threshold, t0.Output(), t1.Output(), keyShare)
	if err != nil {
		return nil, err
	}
	m.generators[id] = &presignGenerator{protocol: protocol, triple0: triple0, triple1: triple1}
	return protocol, nil
}

// Take removes and returns the presignature with the given id.
func (m *PresignatureManager) Take(id PresignatureID) (*Presignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	presig, ok := m.presignatures[id]
	if !ok {
		return nil, &PresignatureMissingError{ID: id}
	}
	delete(m.presignatures, id)
	return presig, nil
}

// TakeMine removes and returns the oldest presignature owned by this node.
func (m *PresignatureManager) TakeMine() (*Presignature, bool) {
	m.mu.Lock()
	if len(m.mine) == 0 {
		m.mu.Unlock()
		return nil, false
	}
	id := m.mine[0]
	m.mine = m.mine[1:]
	m.mu.Unlock()

	presig, err := m.Take(id)
	if err != nil {
		common.Logger.Warnf("my presignature %d is gone: %v", id, err)
		return nil, false
	}
	return presig, true
}

// Poke drives every in-flight presign and collects the messages to send.
func (m *PresignatureManager) Poke() ([]PresignatureSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sends []PresignatureSend
	var result *multierror.Error
	for id, generator := range m.generators {
		message := PresignatureMessage{
			ID:      id,
			Triple0: generator.triple0,
			Triple1: generator.triple1,
			Epoch:   m.epoch,
			From:    m.me,
		}
	presigning:
		for {
			action, err := generator.protocol.Poke()
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "presignature %d", id))
				delete(m.generators, id)
				break presigning
			}
			switch action.Type {
			case tss.ActionWait:
				break presigning
			case tss.ActionSendMany:
				for _, p := range m.participants {
					send := PresignatureSend{To: p, Private: false, Message: message}
					send.Message.Data = action.Data
					sends = append(sends, send)
				}
			case tss.ActionSendPrivate:
				send := PresignatureSend{To: action.To, Private: true, Message: message}
				send.Message.Data = action.Data
				sends = append(sends, send)
			case tss.ActionReturn:
				output := action.Output.(*presign.Output)
				m.complete(id, output)
				delete(m.generators, id)
				break presigning
			}
		}
	}
	return sends, result.ErrorOrNil()
}

func (m *PresignatureManager) complete(id PresignatureID, output *presign.Output) {
	entropy := ownershipEntropy(output.BigR.Bytes())
	owner := m.participants[entropy%uint64(len(m.participants))]
	if owner == m.me {
		m.mine = append(m.mine, id)
	}
	m.presignatures[id] = &Presignature{
		ID:        id,
		BigR:      output.BigR,
		KInvShare: output.KInvShare,
		KXShare:   output.KXShare,
	}
	common.Logger.Infof("completed presignature %d, owner %d", id, owner)
}

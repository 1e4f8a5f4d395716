package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/minio/highwayhash"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/common"
	"github.com/kisdex/mpc-node/ecdsa/triples"
	"github.com/kisdex/mpc-node/tss"
)

// DefaultMaxMessages bounds how many messages should be in flight when
// generating a stockpile of triples.
const DefaultMaxMessages = 22500

// DefaultMaxPile bounds the stockpile each node generates in one go.
const DefaultMaxPile = 100

// TripleID identifies one triple generation across the quorum. Without it
// there would be no way to route inbound triple messages to the right
// in-flight protocol.
type TripleID = uint64

// Triple is a completed, unspent Beaver triple.
type Triple struct {
	ID     TripleID
	Share  triples.TripleShare
	Public triples.TriplePub
}

// Output rebuilds the protocol-level view of the triple.
func (t *Triple) Output() *triples.Output {
	return &triples.Output{Share: t.Share, Pub: t.Public}
}

// TripleMessage is the wire form of one protocol payload for a triple.
type TripleMessage struct {
	ID    TripleID        `json:"id"`
	Epoch uint64          `json:"epoch"`
	From  tss.Participant `json:"from"`
	Data  []byte          `json:"data"`
}

// TripleSend is an outbound triple message produced by Poke. Private sends
// must go over the encrypted channel.
type TripleSend struct {
	To      tss.Participant
	Private bool
	Message TripleMessage
}

// TripleMissingError reports which id a TakeTwo could not find.
type TripleMissingError struct {
	ID TripleID
}

func (e *TripleMissingError) Error() string {
	return fmt.Sprintf("triple %d is missing", e.ID)
}

// ownershipKey is the fixed HighwayHash key; it is part of the wire protocol
// so that every node maps big_c to the same owner.
var ownershipKey = make([]byte, 32)

// ownershipEntropy maps a public byte string to the 64-bit value used for
// deterministic owner selection. HighwayHash is stable across versions and
// platforms, unlike the runtime's default hashing.
func ownershipEntropy(b []byte) uint64 {
	return highwayhash.Sum64(b, ownershipKey)
}

// TripleManager keeps a stockpile of unspent triples so signing is never
// gated on fresh triple generation, drives the in-flight generation
// protocols, and tracks which completed triples this node owns.
type TripleManager struct {
	mu sync.Mutex

	triples    map[TripleID]*Triple
	generators map[TripleID]*triples.Protocol
	mine       []TripleID

	participants []tss.Participant
	me           tss.Participant
	threshold    int
	epoch        uint64
	stockpile    *int
}

// NewTripleManager constructs a manager for one epoch's roster. stockpile
// overrides the bandwidth-derived pile size when non-nil.
func NewTripleManager(participants []tss.Participant, me tss.Participant, threshold int, epoch uint64, stockpile *int) *TripleManager {
	return &TripleManager{
		triples:      make(map[TripleID]*Triple),
		generators:   make(map[TripleID]*triples.Protocol),
		participants: tss.SortParticipants(participants),
		me:           me,
		threshold:    threshold,
		epoch:        epoch,
		stockpile:    stockpile,
	}
}

// Len returns the number of unspent triples.
func (m *TripleManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triples)
}

// MyLen returns the number of unspent triples owned by this node.
func (m *TripleManager) MyLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mine)
}

// PotentialLen returns the number of unspent triples the manager will hold
// once every in-flight generation completes.
func (m *TripleManager) PotentialLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triples) + len(m.generators)
}

func randomID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, errors.Wrap(err, "sampling triple id")
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Generate starts a new triple generation protocol under a fresh random id.
func (m *TripleManager) Generate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := randomID()
	if err != nil {
		return err
	}
	common.Logger.Debugf("starting protocol to generate triple %d", id)
	protocol, err := triples.NewProtocol(m.participants, m.me, m.threshold)
	if err != nil {
		return err
	}
	m.generators[id] = protocol
	return nil
}

// GeneratePileByBandwidth starts a stockpile of generations sized so that
// the in-flight message volume stays within DefaultMaxMessages. Per-triple
// traffic grows with the square of the node count.
func (m *TripleManager) GeneratePileByBandwidth(nodes int) error {
	pile := DefaultMaxPile
	if m.stockpile != nil {
		pile = *m.stockpile
	} else if byBandwidth := DefaultMaxMessages / (nodes * nodes); byBandwidth < pile {
		pile = byBandwidth
	}
	common.Logger.Infof("generating pile of %d triples across %d nodes", pile, nodes)
	for i := 0; i < pile; i++ {
		if err := m.Generate(); err != nil {
			return err
		}
	}
	return nil
}

// GetOrGenerate ensures the triple with the given id is either already
// complete (returns nil), being generated (returns the generator), or joins
// a generation started elsewhere (returns the new generator).
func (m *TripleManager) GetOrGenerate(id TripleID) (*triples.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.triples[id]; done {
		return nil, nil
	}
	if generator, ok := m.generators[id]; ok {
		return generator, nil
	}
	common.Logger.Debugf("joining protocol to generate triple %d", id)
	protocol, err := triples.NewProtocol(m.participants, m.me, m.threshold)
	if err != nil {
		return nil, err
	}
	m.generators[id] = protocol
	return protocol, nil
}

// TakeTwo removes both triples or neither. Triples must never be reused, so
// there is no way to put one back.
func (m *TripleManager) TakeTwo(id0, id1 TripleID) (*Triple, *Triple, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triples[id0]; !ok {
		return nil, nil, &TripleMissingError{ID: id0}
	}
	if _, ok := m.triples[id1]; !ok {
		return nil, nil, &TripleMissingError{ID: id1}
	}
	t0 := m.triples[id0]
	t1 := m.triples[id1]
	delete(m.triples, id0)
	delete(m.triples, id1)
	return t0, t1, nil
}

// TakeTwoMine takes the two oldest triples owned by this node. Popped ids
// that are already gone from the pool are lost; the caller just gets nothing.
func (m *TripleManager) TakeTwoMine() (*Triple, *Triple, bool) {
	m.mu.Lock()
	if len(m.mine) < 2 {
		m.mu.Unlock()
		return nil, nil, false
	}
	id0 := m.mine[0]
	id1 := m.mine[1]
	m.mine = m.mine[2:]
	m.mu.Unlock()

	common.Logger.Infof("trying to take triples %d and %d", id0, id1)
	t0, t1, err := m.TakeTwo(id0, id1)
	if err != nil {
		common.Logger.Warnf("my triples %d and %d are gone: %v", id0, id1, err)
		return nil, nil, false
	}
	return t0, t1, true
}

// Poke drives every in-flight generation and collects the messages to send.
// Generators are kept until they wait, dropped when they complete or fail;
// failures are aggregated and surfaced alongside the messages.
func (m *TripleManager) Poke() ([]TripleSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sends []TripleSend
	var result *multierror.Error
	for id, generator := range m.generators {
	generating:
		for {
			action, err := generator.Poke()
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "triple %d", id))
				delete(m.generators, id)
				break generating
			}
			switch action.Type {
			case tss.ActionWait:
				break generating
			case tss.ActionSendMany:
				for _, p := range m.participants {
					sends = append(sends, TripleSend{
						To:      p,
						Private: false,
						Message: TripleMessage{ID: id, Epoch: m.epoch, From: m.me, Data: action.Data},
					})
				}
			case tss.ActionSendPrivate:
				sends = append(sends, TripleSend{
					To:      action.To,
					Private: true,
					Message: TripleMessage{ID: id, Epoch: m.epoch, From: m.me, Data: action.Data},
				})
			case tss.ActionReturn:
				output := action.Output.(*triples.Output)
				m.complete(id, output)
				delete(m.generators, id)
				break generating
			}
		}
	}
	return sends, result.ErrorOrNil()
}

// complete stores a finished triple and settles ownership. The owner is
// derived from big_c, a value no participant can steer, hashed with a
// version-stable function so every node picks the same owner.
func (m *TripleManager) complete(id TripleID, output *triples.Output) {
	entropy := ownershipEntropy(output.Pub.BigC.Bytes())
	owner := m.participants[entropy%uint64(len(m.participants))]
	if owner == m.me {
		m.mine = append(m.mine, id)
	}
	m.triples[id] = &Triple{ID: id, Share: output.Share, Public: output.Pub}
	common.Logger.Infof("completed triple %d, owner %d", id, owner)
}

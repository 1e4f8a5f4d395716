package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/tss"
)

// testRoster builds a deterministic roster for the given ids.
func testRoster(ids ...tss.Participant) Participants {
	roster := make(Participants, len(ids))
	for _, id := range ids {
		roster[id] = &ParticipantInfo{
			ID:        id,
			AccountID: testAccountID(id),
			URL:       fmt.Sprintf("http://127.0.0.1:30%02d", id),
		}
	}
	return roster
}

func testAccountID(id tss.Participant) string {
	return fmt.Sprintf("node-%d.test", id)
}

// memStorage is a minimal in-memory SecretNodeStorage for consensus tests.
type memStorage struct {
	mu   sync.Mutex
	data *PersistentNodeData
}

func (s *memStorage) Store(_ context.Context, data *PersistentNodeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func (s *memStorage) Load(_ context.Context) (*PersistentNodeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

// failingStorage simulates a broken secret store.
type failingStorage struct{}

func (failingStorage) Store(context.Context, *PersistentNodeData) error {
	return fmt.Errorf("store is on fire")
}

func (failingStorage) Load(context.Context) (*PersistentNodeData, error) {
	return nil, fmt.Errorf("store is on fire")
}

// fakeContractClient records votes and never fails.
type fakeContractClient struct {
	mu         sync.Mutex
	pkVotes    int
	epochVotes []uint64
	joinVotes  int
}

func (c *fakeContractClient) FetchState(context.Context) (ProtocolState, error) {
	return nil, fmt.Errorf("not used in tests")
}

func (c *fakeContractClient) VotePublicKey(context.Context, *crypto.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkVotes++
	return nil
}

func (c *fakeContractClient) VoteReshared(_ context.Context, epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochVotes = append(c.epochVotes, epoch)
	return nil
}

func (c *fakeContractClient) VoteJoin(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinVotes++
	return nil
}

// fakeCtx satisfies both ConsensusCtx and CryptographicCtx for one node.
type fakeCtx struct {
	accountID string
	storage   SecretNodeStorage
	client    *fakeContractClient
	messenger PeerMessenger
	queue     *SignQueue
	stockpile *int
}

func newFakeCtx(accountID string, messenger PeerMessenger) *fakeCtx {
	stockpile := 2
	return &fakeCtx{
		accountID: accountID,
		storage:   &memStorage{},
		client:    &fakeContractClient{},
		messenger: messenger,
		queue:     NewSignQueue(),
		stockpile: &stockpile,
	}
}

func (c *fakeCtx) MyAccountID() string              { return c.accountID }
func (c *fakeCtx) SecretStorage() SecretNodeStorage { return c.storage }
func (c *fakeCtx) ContractClient() ContractClient   { return c.client }
func (c *fakeCtx) SignQueue() *SignQueue            { return c.queue }
func (c *fakeCtx) TripleStockpile() *int            { return c.stockpile }
func (c *fakeCtx) Messenger() PeerMessenger         { return c.messenger }

// loopbackMessenger routes messages straight into per-node queues, keyed by
// account id.
type loopbackMessenger struct {
	mu     sync.Mutex
	queues map[string]*MpcMessageQueue
	// encrypted counts private sends so tests can assert channel choice.
	encrypted int
	plaintext int
}

func newLoopbackMessenger() *loopbackMessenger {
	return &loopbackMessenger{queues: make(map[string]*MpcMessageQueue)}
}

func (m *loopbackMessenger) register(accountID string, queue *MpcMessageQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[accountID] = queue
}

func (m *loopbackMessenger) Message(_ context.Context, info *ParticipantInfo, msg *MpcMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plaintext++
	if queue, ok := m.queues[info.AccountID]; ok {
		queue.Push(msg)
	}
	return nil
}

func (m *loopbackMessenger) MessageEncrypted(_ context.Context, _ tss.Participant, info *ParticipantInfo, msg *MpcMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encrypted++
	if queue, ok := m.queues[info.AccountID]; ok {
		queue.Push(msg)
	}
	return nil
}

package protocol

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LockedState shares the node's current state between the run loop and the
// web surface. Transitions are atomic under the write lock.
type LockedState struct {
	mu    sync.RWMutex
	state NodeState
}

// NewLockedState starts in Starting.
func NewLockedState() *LockedState {
	return &LockedState{state: &StartingState{}}
}

// Read returns the current state.
func (l *LockedState) Read() NodeState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Write swaps the state.
func (l *LockedState) Write(state NodeState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

// Config carries the identity and collaborators an MpcSignProtocol needs.
type Config struct {
	AccountID       string
	ContractClient  ContractClient
	Messenger       PeerMessenger
	SecretStorage   SecretNodeStorage
	SignQueue       *SignQueue
	TripleStockpile *int
	Logger          *zap.SugaredLogger
}

// MpcSignProtocol is the per-node control loop: observe the contract,
// drain inbound messages, progress the in-flight protocol, advance against
// the contract view and route buffered messages, once per tick.
type MpcSignProtocol struct {
	cfg      Config
	receiver <-chan MpcMessage
	state    *LockedState
}

// Init wires the protocol and returns the shared state handle for the web
// surface.
func Init(cfg Config, receiver <-chan MpcMessage) (*MpcSignProtocol, *LockedState) {
	state := NewLockedState()
	return &MpcSignProtocol{cfg: cfg, receiver: receiver, state: state}, state
}

func (p *MpcSignProtocol) MyAccountID() string              { return p.cfg.AccountID }
func (p *MpcSignProtocol) Messenger() PeerMessenger         { return p.cfg.Messenger }
func (p *MpcSignProtocol) SecretStorage() SecretNodeStorage { return p.cfg.SecretStorage }
func (p *MpcSignProtocol) ContractClient() ContractClient   { return p.cfg.ContractClient }
func (p *MpcSignProtocol) SignQueue() *SignQueue            { return p.cfg.SignQueue }
func (p *MpcSignProtocol) TripleStockpile() *int            { return p.cfg.TripleStockpile }

// Run drives the loop until the inbound channel closes or the context is
// cancelled.
func (p *MpcSignProtocol) Run(ctx context.Context) error {
	log := p.cfg.Logger.With(zap.String("account_id", p.cfg.AccountID))
	queue := NewMpcMessageQueue()
	for {
		log.Debug("trying to advance the signing protocol")
		contractState, err := p.cfg.ContractClient.FetchState(ctx)
		if err != nil {
			log.Errorf("could not fetch the contract state: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		disconnected := p.drainReceiver(queue, log)
		if disconnected {
			log.Info("message channel disconnected, spinning down")
			return nil
		}

		state := p.state.Read()
		state, err = Progress(ctx, p, state)
		if err != nil {
			log.Infof("protocol unable to progress: %v", err)
			continue
		}
		state, err = Advance(ctx, p, state, contractState)
		if err != nil {
			log.Infof("protocol unable to advance: %v", err)
			continue
		}
		if err := Handle(ctx, state, queue); err != nil {
			log.Infof("protocol unable to handle messages: %v", err)
			continue
		}
		p.state.Write(state)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// drainReceiver moves all currently buffered inbound messages into the
// queue without blocking. Reports whether the channel is closed.
func (p *MpcSignProtocol) drainReceiver(queue *MpcMessageQueue, log *zap.SugaredLogger) bool {
	for {
		select {
		case msg, ok := <-p.receiver:
			if !ok {
				return true
			}
			log.Debug("received a new message")
			queue.Push(&msg)
		default:
			return false
		}
	}
}

package protocol

import (
	"sync"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/common"
	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/crypto/kdf"
	"github.com/kisdex/mpc-node/ecdsa/presign"
	"github.com/kisdex/mpc-node/ecdsa/sign"
	"github.com/kisdex/mpc-node/tss"
)

// SignRequest asks the quorum for a signature over a 32-byte message hash.
// Epsilon, when present, shifts the signature to the account's derived child
// key.
type SignRequest struct {
	ReceiptID string         `json:"receipt_id"`
	MsgHash   []byte         `json:"msg_hash"`
	Epsilon   *crypto.Scalar `json:"-"`
}

// SignQueue buffers signature requests until a presignature is available.
type SignQueue struct {
	mu       sync.Mutex
	requests []*SignRequest
}

// NewSignQueue constructs an empty queue.
func NewSignQueue() *SignQueue {
	return &SignQueue{}
}

// Add appends a request.
func (q *SignQueue) Add(req *SignRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)
}

// Take pops the oldest request.
func (q *SignQueue) Take() (*SignRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requests) == 0 {
		return nil, false
	}
	req := q.requests[0]
	q.requests = q.requests[1:]
	return req, true
}

// Len returns the number of pending requests.
func (q *SignQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// SignatureMessage is the wire form of one signature-round payload. It names
// the presignature it consumes and carries the request so joiners can
// reconstruct it.
type SignatureMessage struct {
	ReceiptID      string          `json:"receipt_id"`
	PresignatureID PresignatureID  `json:"presignature_id"`
	MsgHash        []byte          `json:"msg_hash"`
	Epsilon        []byte          `json:"epsilon,omitempty"`
	Epoch          uint64          `json:"epoch"`
	From           tss.Participant `json:"from"`
	Data           []byte          `json:"data"`
}

// SignatureSend is an outbound signature message produced by Poke.
type SignatureSend struct {
	To      tss.Participant
	Private bool
	Message SignatureMessage
}

type signGenerator struct {
	protocol *sign.Protocol
	presigID PresignatureID
	request  *SignRequest
}

// SignatureManager drives signature rounds from presignatures and publishes
// the completed signatures by receipt id.
type SignatureManager struct {
	mu sync.Mutex

	signatures map[string]*btcecdsa.Signature
	generators map[string]*signGenerator

	participants []tss.Participant
	me           tss.Participant
	publicKey    *crypto.Point
	epoch        uint64
}

// NewSignatureManager constructs a manager for one epoch's roster and group
// key.
func NewSignatureManager(participants []tss.Participant, me tss.Participant, publicKey *crypto.Point, epoch uint64) *SignatureManager {
	return &SignatureManager{
		signatures:   make(map[string]*btcecdsa.Signature),
		generators:   make(map[string]*signGenerator),
		participants: tss.SortParticipants(participants),
		me:           me,
		publicKey:    publicKey,
		epoch:        epoch,
	}
}

// verificationKey resolves the key a request's signature must verify under.
func (m *SignatureManager) verificationKey(epsilon *crypto.Scalar) *crypto.Point {
	if epsilon == nil {
		return m.publicKey
	}
	return kdf.DeriveKey(m.publicKey, epsilon)
}

// Generate starts a signature round for the request using a presignature
// this node owns.
func (m *SignatureManager) Generate(req *SignRequest, presig *Presignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	common.Logger.Debugf("starting signature %s from presignature %d", req.ReceiptID, presig.ID)
	protocol, err := sign.NewProtocol(
		m.participants, m.me,
		&presign.Output{BigR: presig.BigR, KInvShare: presig.KInvShare, KXShare: presig.KXShare},
		m.verificationKey(req.Epsilon), req.Epsilon, req.MsgHash,
	)
	if err != nil {
		return err
	}
	m.generators[req.ReceiptID] = &signGenerator{protocol: protocol, presigID: presig.ID, request: req}
	return nil
}

// GetOrGenerate joins a signature round started elsewhere, consuming the
// named presignature. A missing presignature aborts the join.
func (m *SignatureManager) GetOrGenerate(receiptID string, presigID PresignatureID, msgHash, epsilon []byte, presigs *PresignatureManager) (*sign.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.signatures[receiptID]; done {
		return nil, nil
	}
	if generator, ok := m.generators[receiptID]; ok {
		return generator.protocol, nil
	}
	presig, err := presigs.Take(presigID)
	if err != nil {
		return nil, errors.Wrapf(err, "joining signature %s", receiptID)
	}
	req := &SignRequest{ReceiptID: receiptID, MsgHash: msgHash}
	if len(epsilon) > 0 {
		eps := new(crypto.Scalar)
		eps.SetByteSlice(epsilon)
		req.Epsilon = eps
	}
	common.Logger.Debugf("joining signature %s from presignature %d", receiptID, presigID)
	protocol, err := sign.NewProtocol(
		m.participants, m.me,
		&presign.Output{BigR: presig.BigR, KInvShare: presig.KInvShare, KXShare: presig.KXShare},
		m.verificationKey(req.Epsilon), req.Epsilon, req.MsgHash,
	)
	if err != nil {
		return nil, err
	}
	m.generators[receiptID] = &signGenerator{protocol: protocol, presigID: presigID, request: req}
	return protocol, nil
}

// Signature returns a completed signature by receipt id.
func (m *SignatureManager) Signature(receiptID string) (*btcecdsa.Signature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signatures[receiptID]
	return sig, ok
}

// Len returns the number of completed signatures held.
func (m *SignatureManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signatures)
}

// Poke drives every in-flight signature round and collects the messages to
// send.
func (m *SignatureManager) Poke() ([]SignatureSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sends []SignatureSend
	var result *multierror.Error
	for receiptID, generator := range m.generators {
		message := SignatureMessage{
			ReceiptID:      receiptID,
			PresignatureID: generator.presigID,
			MsgHash:        generator.request.MsgHash,
			Epoch:          m.epoch,
			From:           m.me,
		}
		if generator.request.Epsilon != nil {
			raw := generator.request.Epsilon.Bytes()
			message.Epsilon = raw[:]
		}
	signing:
		for {
			action, err := generator.protocol.Poke()
			if err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "signature %s", receiptID))
				delete(m.generators, receiptID)
				break signing
			}
			switch action.Type {
			case tss.ActionWait:
				break signing
			case tss.ActionSendMany:
				for _, p := range m.participants {
					send := SignatureSend{To: p, Private: false, Message: message}
					send.Message.Data = action.Data
					sends = append(sends, send)
				}
			case tss.ActionSendPrivate:
				send := SignatureSend{To: action.To, Private: true, Message: message}
				send.Message.Data = action.Data
				sends = append(sends, send)
			case tss.ActionReturn:
				sig := action.Output.(*btcecdsa.Signature)
				m.signatures[receiptID] = sig
				delete(m.generators, receiptID)
				common.Logger.Infof("completed signature %s", receiptID)
				break signing
			}
		}
	}
	return sends, result.ErrorOrNil()
}

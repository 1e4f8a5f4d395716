package protocol

import (
	"github.com/pkg/errors"

	"github.com/kisdex/mpc-node/common"
	"github.com/kisdex/mpc-node/tss"
)

// GeneratingMessage carries one key generation payload.
type GeneratingMessage struct {
	From tss.Participant `json:"from"`
	Data []byte          `json:"data"`
}

// ResharingMessage carries one resharing payload, tagged with the epoch
// being reshared away from.
type ResharingMessage struct {
	Epoch uint64          `json:"epoch"`
	From  tss.Participant `json:"from"`
	Data  []byte          `json:"data"`
}

// MpcMessage is the tagged union of every message nodes exchange. Exactly
// one field is set.
type MpcMessage struct {
	Generating   *GeneratingMessage   `json:"generating,omitempty"`
	Resharing    *ResharingMessage    `json:"resharing,omitempty"`
	Triple       *TripleMessage       `json:"triple,omitempty"`
	Presignature *PresignatureMessage `json:"presignature,omitempty"`
	Signature    *SignatureMessage    `json:"signature,omitempty"`
}

// Valid reports whether exactly one variant is set.
func (m *MpcMessage) Valid() bool {
	count := 0
	if m.Generating != nil {
		count++
	}
	if m.Resharing != nil {
		count++
	}
	if m.Triple != nil {
		count++
	}
	if m.Presignature != nil {
		count++
	}
	if m.Signature != nil {
		count++
	}
	return count == 1
}

// MpcMessageQueue buffers inbound messages until the state that consumes
// them exists. Messages are binned by variant and epoch so that handling a
// state drains exactly the relevant bins and leaves the rest buffered.
type MpcMessageQueue struct {
	generating       []*GeneratingMessage
	resharingBins    map[uint64][]*ResharingMessage
	tripleBins       map[uint64]map[TripleID][]*TripleMessage
	presignatureBins map[uint64]map[PresignatureID][]*PresignatureMessage
	signatureBins    map[uint64]map[string][]*SignatureMessage
}

// NewMpcMessageQueue constructs an empty queue.
func NewMpcMessageQueue() *MpcMessageQueue {
	return &MpcMessageQueue{
		resharingBins:    make(map[uint64][]*ResharingMessage),
		tripleBins:       make(map[uint64]map[TripleID][]*TripleMessage),
		presignatureBins: make(map[uint64]map[PresignatureID][]*PresignatureMessage),
		signatureBins:    make(map[uint64]map[string][]*SignatureMessage),
	}
}

// Push files a message into its bin. Invalid unions are dropped with a log.
func (q *MpcMessageQueue) Push(msg *MpcMessage) {
	switch {
	case msg.Generating != nil:
		q.generating = append(q.generating, msg.Generating)
	case msg.Resharing != nil:
		q.resharingBins[msg.Resharing.Epoch] = append(q.resharingBins[msg.Resharing.Epoch], msg.Resharing)
	case msg.Triple != nil:
		bin := q.tripleBins[msg.Triple.Epoch]
		if bin == nil {
			bin = make(map[TripleID][]*TripleMessage)
			q.tripleBins[msg.Triple.Epoch] = bin
		}
		bin[msg.Triple.ID] = append(bin[msg.Triple.ID], msg.Triple)
	case msg.Presignature != nil:
		bin := q.presignatureBins[msg.Presignature.Epoch]
		if bin == nil {
			bin = make(map[PresignatureID][]*PresignatureMessage)
			q.presignatureBins[msg.Presignature.Epoch] = bin
		}
		bin[msg.Presignature.ID] = append(bin[msg.Presignature.ID], msg.Presignature)
	case msg.Signature != nil:
		bin := q.signatureBins[msg.Signature.Epoch]
		if bin == nil {
			bin = make(map[string][]*SignatureMessage)
			q.signatureBins[msg.Signature.Epoch] = bin
		}
		bin[msg.Signature.ReceiptID] = append(bin[msg.Signature.ReceiptID], msg.Signature)
	default:
		common.Logger.Warn("dropping empty mpc message")
	}
}

// handle dispatches buffered messages into the given state's protocols.
// Messages for states not yet entered stay buffered; messages for stale
// epochs are dropped with a log.
func (q *MpcMessageQueue) handle(state NodeState) error {
	switch s := state.(type) {
	case *GeneratingState:
		return q.handleGenerating(s)
	case *ResharingState:
		return q.handleResharing(s)
	case *RunningState:
		return q.handleRunning(s)
	}
	return nil
}

func (q *MpcMessageQueue) handleGenerating(s *GeneratingState) error {
	for _, msg := range q.generating {
		s.Protocol.Message(msg.From, msg.Data)
	}
	q.generating = nil
	return nil
}

func (q *MpcMessageQueue) handleResharing(s *ResharingState) error {
	for epoch := range q.resharingBins {
		if epoch < s.OldEpoch {
			common.Logger.Warnf("dropping %d resharing messages for stale epoch %d", len(q.resharingBins[epoch]), epoch)
			delete(q.resharingBins, epoch)
		}
	}
	for _, msg := range q.resharingBins[s.OldEpoch] {
		s.Protocol.Message(msg.From, msg.Data)
	}
	delete(q.resharingBins, s.OldEpoch)
	return nil
}

func (q *MpcMessageQueue) handleRunning(s *RunningState) error {
	q.dropStaleBins(s.Epoch)

	for id, msgs := range q.tripleBins[s.Epoch] {
		generator, err := s.Triples.GetOrGenerate(id)
		if err != nil {
			return errors.Wrapf(err, "triple %d", id)
		}
		if generator == nil {
			common.Logger.Warnf("dropping %d messages for completed triple %d", len(msgs), id)
		} else {
			for _, msg := range msgs {
				generator.Message(msg.From, msg.Data)
			}
		}
		delete(q.tripleBins[s.Epoch], id)
	}

	for id, msgs := range q.presignatureBins[s.Epoch] {
		first := msgs[0]
		generator, err := s.Presignatures.GetOrGenerate(id, first.Triple0, first.Triple1, s.Triples, s.PrivateShare)
		if err != nil {
			common.Logger.Warnf("dropping %d messages for presignature %d: %v", len(msgs), id, err)
			delete(q.presignatureBins[s.Epoch], id)
			continue
		}
		if generator == nil {
			common.Logger.Warnf("dropping %d messages for completed presignature %d", len(msgs), id)
		} else {
			for _, msg := range msgs {
				generator.Message(msg.From, msg.Data)
			}
		}
		delete(q.presignatureBins[s.Epoch], id)
	}

	for receiptID, msgs := range q.signatureBins[s.Epoch] {
		first := msgs[0]
		generator, err := s.Signatures.GetOrGenerate(receiptID, first.PresignatureID, first.MsgHash, first.Epsilon, s.Presignatures)
		if err != nil {
			common.Logger.Warnf("dropping %d messages for signature %s: %v", len(msgs), receiptID, err)
			delete(q.signatureBins[s.Epoch], receiptID)
			continue
		}
		if generator == nil {
			common.Logger.Warnf("dropping %d messages for completed signature %s", len(msgs), receiptID)
		} else {
			for _, msg := range msgs {
				generator.Message(msg.From, msg.Data)
			}
		}
		delete(q.signatureBins[s.Epoch], receiptID)
	}
	return nil
}

// dropStaleBins discards buffered traffic for epochs that can never be
// entered again.
func (q *MpcMessageQueue) dropStaleBins(epoch uint64) {
	for e := range q.tripleBins {
		if e < epoch {
			common.Logger.Warnf("dropping triple messages for stale epoch %d", e)
			delete(q.tripleBins, e)
		}
	}
	for e := range q.presignatureBins {
		if e < epoch {
			common.Logger.Warnf("dropping presignature messages for stale epoch %d", e)
			delete(q.presignatureBins, e)
		}
	}
	for e := range q.signatureBins {
		if e < epoch {
			common.Logger.Warnf("dropping signature messages for stale epoch %d", e)
			delete(q.signatureBins, e)
		}
	}
}

package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdex/mpc-node/ecdsa/keygen"
	"github.com/kisdex/mpc-node/tss"
)

// scriptedProtocol replays a fixed list of actions.
type scriptedProtocol struct {
	actions []tss.Action
}

func (p *scriptedProtocol) Poke() (tss.Action, error) {
	if len(p.actions) == 0 {
		return tss.Wait(), nil
	}
	action := p.actions[0]
	p.actions = p.actions[1:]
	return action, nil
}

func (p *scriptedProtocol) Message(tss.Participant, []byte) {}

// recordingMessenger captures every outbound delivery.
type recordingMessenger struct {
	plaintext []tss.Participant
	encrypted []tss.Participant
}

func (m *recordingMessenger) Message(_ context.Context, info *ParticipantInfo, _ *MpcMessage) error {
	m.plaintext = append(m.plaintext, info.ID)
	return nil
}

func (m *recordingMessenger) MessageEncrypted(_ context.Context, _ tss.Participant, info *ParticipantInfo, _ *MpcMessage) error {
	m.encrypted = append(m.encrypted, info.ID)
	return nil
}

func TestUnknownParticipantSurfaces(t *testing.T) {
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior := &GeneratingState{
		Participants: roster,
		Threshold:    3,
		Protocol:     &scriptedProtocol{actions: []tss.Action{tss.SendPrivate(99, []byte("share"))}},
	}
	state, err := Progress(context.Background(), ctx, prior)
	require.Error(t, err)
	unknown, ok := err.(*UnknownParticipantError)
	require.True(t, ok)
	assert.Equal(t, tss.Participant(99), unknown.Participant)
	assert.Same(t, prior, state, "the state must remain Generating")
}

func TestBroadcastNeverTargetsSelf(t *testing.T) {
	roster := testRoster(0, 1, 2)
	messenger := &recordingMessenger{}
	ctx := newFakeCtx(testAccountID(0), messenger)

	state := &GeneratingState{
		Participants: roster,
		Threshold:    3,
		Protocol:     &scriptedProtocol{actions: []tss.Action{tss.SendMany([]byte("round"))}},
	}
	_, err := Progress(context.Background(), ctx, state)
	require.NoError(t, err)
	assert.ElementsMatch(t, []tss.Participant{1, 2}, messenger.plaintext)
	assert.NotContains(t, messenger.plaintext, tss.Participant(0))
	assert.Empty(t, messenger.encrypted)
}

func TestPrivateSendsUseTheEncryptedChannel(t *testing.T) {
	roster := testRoster(0, 1, 2)
	messenger := &recordingMessenger{}
	ctx := newFakeCtx(testAccountID(0), messenger)

	state := &GeneratingState{
		Participants: roster,
		Threshold:    3,
		Protocol:     &scriptedProtocol{actions: []tss.Action{tss.SendPrivate(2, []byte("share"))}},
	}
	_, err := Progress(context.Background(), ctx, state)
	require.NoError(t, err)
	assert.Equal(t, []tss.Participant{2}, messenger.encrypted)
	assert.Empty(t, messenger.plaintext)
}

func TestGeneratingPersistFailureBlocksTransition(t *testing.T) {
	roster := testRoster(0, 1)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())
	ctx.storage = failingStorage{}

	share, pk := testKeyMaterial(t)
	prior := &GeneratingState{
		Participants: roster,
		Threshold:    2,
		Protocol: &scriptedProtocol{actions: []tss.Action{
			tss.Return(&keygen.Output{PrivateShare: share, PublicKey: pk}),
		}},
	}
	state, err := Progress(context.Background(), ctx, prior)
	require.Error(t, err, "a broken store must block the transition")
	assert.Same(t, prior, state, "the next tick retries the persist from Generating")
}

func TestProgressPassesThroughIdleStates(t *testing.T) {
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())
	for _, state := range []NodeState{
		&StartingState{},
		&StartedState{},
		&JoiningState{},
	} {
		got, err := Progress(context.Background(), ctx, state)
		require.NoError(t, err)
		assert.Same(t, state, got)
	}
}

func TestRunningTopsUpTriples(t *testing.T) {
	share, pk := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	messenger := newLoopbackMessenger()
	ctx := newFakeCtx(testAccountID(0), messenger)
	zero := 0
	ctx.stockpile = &zero

	state, err := newRunningState(ctx, 0, roster, 3, share, pk)
	require.NoError(t, err)
	running := state.(*RunningState)
	require.Equal(t, 0, running.Triples.PotentialLen())

	_, err = Progress(context.Background(), ctx, running)
	require.NoError(t, err)
	assert.Equal(t, 1, running.Triples.PotentialLen(),
		"a drained pool must start one fresh generation per tick")
}

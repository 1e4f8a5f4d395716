package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisdex/mpc-node/crypto"
	"github.com/kisdex/mpc-node/tss"
)

func testKeyMaterial(t *testing.T) (*crypto.Scalar, *crypto.Point) {
	secret, err := crypto.RandomScalar()
	require.NoError(t, err)
	return secret, crypto.ScalarBaseMult(secret)
}

func TestStartingLoadsDisk(t *testing.T) {
	ctx := context.Background()
	share, pk := testKeyMaterial(t)

	fresh := newFakeCtx(testAccountID(0), newLoopbackMessenger())
	state, err := Advance(ctx, fresh, &StartingState{}, &InitializingContractState{})
	require.NoError(t, err)
	started, ok := state.(*StartedState)
	require.True(t, ok)
	assert.Nil(t, started.Data)

	seeded := newFakeCtx(testAccountID(0), newLoopbackMessenger())
	require.NoError(t, seeded.storage.Store(ctx, &PersistentNodeData{Epoch: 7, PrivateShare: share, PublicKey: pk}))
	state, err = Advance(ctx, seeded, &StartingState{}, &InitializingContractState{})
	require.NoError(t, err)
	started, ok = state.(*StartedState)
	require.True(t, ok)
	require.NotNil(t, started.Data)
	assert.Equal(t, uint64(7), started.Data.Epoch)
}

func TestStartingSurfacesStorageFailure(t *testing.T) {
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())
	ctx.storage = failingStorage{}
	prior := &StartingState{}
	state, err := Advance(context.Background(), ctx, prior, &InitializingContractState{})
	assert.Error(t, err)
	assert.Same(t, prior, state, "a failed load must not leave Starting")
}

func TestStartedCandidateEntersGenerating(t *testing.T) {
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	state, err := Advance(context.Background(), ctx, &StartedState{}, &InitializingContractState{Candidates: roster, Threshold: 3})
	require.NoError(t, err)
	generating, ok := state.(*GeneratingState)
	require.True(t, ok)
	assert.Equal(t, 3, generating.Threshold)
	assert.NotNil(t, generating.Protocol)
}

func TestStartedNonCandidateStays(t *testing.T) {
	roster := testRoster(1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior := &StartedState{}
	state, err := Advance(context.Background(), ctx, prior, &InitializingContractState{Candidates: roster, Threshold: 2})
	require.NoError(t, err)
	assert.Same(t, prior, state)
}

func TestStartedWithoutDataJoinsRunningQuorum(t *testing.T) {
	_, pk := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	state, err := Advance(context.Background(), ctx, &StartedState{}, &RunningContractState{
		Epoch: 2, Participants: roster, Threshold: 3, PublicKey: pk,
	})
	require.NoError(t, err)
	joining, ok := state.(*JoiningState)
	require.True(t, ok)
	assert.True(t, joining.PublicKey.Equals(pk))
}

func TestStartedWithMatchingDataEntersRunning(t *testing.T) {
	share, pk := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	state, err := Advance(context.Background(), ctx, &StartedState{
		Data: &PersistentNodeData{Epoch: 2, PrivateShare: share, PublicKey: pk},
	}, &RunningContractState{Epoch: 2, Participants: roster, Threshold: 3, PublicKey: pk})
	require.NoError(t, err)
	running, ok := state.(*RunningState)
	require.True(t, ok)
	assert.Equal(t, uint64(2), running.Epoch)
	assert.Equal(t, 2, running.Triples.PotentialLen(), "the stockpile override must seed the pile")
}

func TestStartedRejectsMismatchedPublicKey(t *testing.T) {
	share, pk := testKeyMaterial(t)
	_, otherPK := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior := &StartedState{Data: &PersistentNodeData{Epoch: 2, PrivateShare: share, PublicKey: pk}}
	_, err := Advance(context.Background(), ctx, prior, &RunningContractState{
		Epoch: 2, Participants: roster, Threshold: 3, PublicKey: otherPK,
	})
	assert.ErrorIs(t, err, ErrMismatchedPublicKey)
}

func TestWaitingForConsensusVotesWhileInitializing(t *testing.T) {
	share, pk := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior := &WaitingForConsensusState{Epoch: 0, Participants: roster, Threshold: 3, PrivateShare: share, PublicKey: pk}
	state, err := Advance(context.Background(), ctx, prior, &InitializingContractState{Candidates: roster, Threshold: 3})
	require.NoError(t, err)
	assert.Same(t, prior, state)
	assert.Equal(t, 1, ctx.client.pkVotes)
}

func TestWaitingForConsensusEntersRunning(t *testing.T) {
	share, pk := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior := &WaitingForConsensusState{Epoch: 4, Participants: roster, Threshold: 3, PrivateShare: share, PublicKey: pk}
	state, err := Advance(context.Background(), ctx, prior, &RunningContractState{
		Epoch: 4, Participants: roster, Threshold: 3, PublicKey: pk,
	})
	require.NoError(t, err)
	running, ok := state.(*RunningState)
	require.True(t, ok)
	assert.Equal(t, uint64(4), running.Epoch)
}

func TestWaitingForConsensusVotesWhenContractBehind(t *testing.T) {
	share, pk := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior := &WaitingForConsensusState{Epoch: 4, Participants: roster, Threshold: 3, PrivateShare: share, PublicKey: pk}
	state, err := Advance(context.Background(), ctx, prior, &RunningContractState{
		Epoch: 3, Participants: roster, Threshold: 3, PublicKey: pk,
	})
	require.NoError(t, err)
	assert.Same(t, prior, state)
	assert.Equal(t, []uint64{4}, ctx.client.epochVotes)
}

func TestRunningEntersResharing(t *testing.T) {
	share, pk := testKeyMaterial(t)
	oldRoster := testRoster(0, 1, 2, 3)
	newRoster := testRoster(0, 1, 2, 4)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior, err := newRunningState(ctx, 3, oldRoster, 4, share, pk)
	require.NoError(t, err)
	state, err := Advance(context.Background(), ctx, prior, &ResharingContractState{
		OldEpoch: 3, OldParticipants: oldRoster, NewParticipants: newRoster, Threshold: 4, PublicKey: pk,
	})
	require.NoError(t, err)
	resharingState, ok := state.(*ResharingState)
	require.True(t, ok)
	assert.Equal(t, uint64(3), resharingState.OldEpoch)
}

func TestRunningIgnoresMismatchedReshare(t *testing.T) {
	share, pk := testKeyMaterial(t)
	roster := testRoster(0, 1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior, err := newRunningState(ctx, 5, roster, 3, share, pk)
	require.NoError(t, err)
	state, err := Advance(context.Background(), ctx, prior, &ResharingContractState{
		OldEpoch: 3, OldParticipants: roster, NewParticipants: roster, Threshold: 3, PublicKey: pk,
	})
	require.NoError(t, err)
	assert.Same(t, prior, state, "a reshare from a foreign epoch must not move us")
}

func TestEvictedNodeResharesAndOutsiderJoins(t *testing.T) {
	share, pk := testKeyMaterial(t)
	oldRoster := testRoster(0, 1, 2, 3)
	newRoster := testRoster(0, 1, 2)
	// Node 3 is not in the new roster but holds an old share, so it enters
	// Resharing to deal it away.
	ctx := newFakeCtx(testAccountID(3), newLoopbackMessenger())
	state, err := Advance(context.Background(), ctx, &StartedState{
		Data: &PersistentNodeData{Epoch: 3, PrivateShare: share, PublicKey: pk},
	}, &ResharingContractState{
		OldEpoch: 3, OldParticipants: oldRoster, NewParticipants: newRoster, Threshold: 3, PublicKey: pk,
	})
	require.NoError(t, err)
	_, ok := state.(*ResharingState)
	assert.True(t, ok)

	// A node in neither roster just joins.
	outsider := newFakeCtx(testAccountID(9), newLoopbackMessenger())
	state, err = Advance(context.Background(), outsider, &StartedState{}, &ResharingContractState{
		OldEpoch: 3, OldParticipants: oldRoster, NewParticipants: newRoster, Threshold: 3, PublicKey: pk,
	})
	require.NoError(t, err)
	_, ok = state.(*JoiningState)
	assert.True(t, ok)
}

func TestJoiningVotesUntilAdded(t *testing.T) {
	_, pk := testKeyMaterial(t)
	roster := testRoster(1, 2)
	ctx := newFakeCtx(testAccountID(0), newLoopbackMessenger())

	prior := &JoiningState{Participants: roster, PublicKey: pk}
	state, err := Advance(context.Background(), ctx, prior, &RunningContractState{
		Epoch: 2, Participants: roster, Threshold: 2, PublicKey: pk,
	})
	require.NoError(t, err)
	_, ok := state.(*JoiningState)
	assert.True(t, ok)
	assert.Equal(t, 1, ctx.client.joinVotes)
}

// tick runs one full loop iteration for a node without the wall clock.
func tick(t *testing.T, ctx *fakeCtx, state NodeState, contract ProtocolState, queue *MpcMessageQueue) NodeState {
	state, err := Progress(context.Background(), ctx, state)
	require.NoError(t, err)
	state, err = Advance(context.Background(), ctx, state, contract)
	require.NoError(t, err)
	require.NoError(t, Handle(context.Background(), state, queue))
	return state
}

func TestHappyDKG(t *testing.T) {
	ids := []tss.Participant{0, 1, 2, 3, 4}
	roster := testRoster(ids...)
	contract := &InitializingContractState{Candidates: roster, Threshold: 5}
	messenger := newLoopbackMessenger()

	ctxs := make(map[tss.Participant]*fakeCtx, len(ids))
	states := make(map[tss.Participant]NodeState, len(ids))
	queues := make(map[tss.Participant]*MpcMessageQueue, len(ids))
	for _, id := range ids {
		ctxs[id] = newFakeCtx(testAccountID(id), messenger)
		states[id] = &StartingState{}
		queues[id] = NewMpcMessageQueue()
		messenger.register(testAccountID(id), queues[id])
	}

	for round := 0; round < 100; round++ {
		done := true
		for _, id := range ids {
			states[id] = tick(t, ctxs[id], states[id], contract, queues[id])
			if _, ok := states[id].(*WaitingForConsensusState); !ok {
				done = false
			}
		}
		if done {
			break
		}
	}

	reference := states[0].(*WaitingForConsensusState)
	assert.Equal(t, uint64(0), reference.Epoch)
	shares := make(map[tss.Participant]*crypto.Scalar)
	for _, id := range ids {
		wfc, ok := states[id].(*WaitingForConsensusState)
		require.True(t, ok, "node %d should reach WaitingForConsensus", id)
		assert.True(t, wfc.PublicKey.Equals(reference.PublicKey), "all nodes must agree on the key")
		shares[id] = wfc.PrivateShare

		// Progress persisted the share before transitioning.
		data, err := ctxs[id].storage.Load(context.Background())
		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, uint64(0), data.Epoch)
	}

	// The private shares reconstruct the shared key.
	points := make([]*crypto.Scalar, len(ids))
	for i, id := range ids {
		points[i] = crypto.ScalarFromUint32(uint32(id) + 1)
	}
	secret := new(crypto.Scalar)
	for i, id := range ids {
		lambda, err := crypto.LagrangeAtZero(points, i)
		require.NoError(t, err)
		term := new(crypto.Scalar)
		term.Mul2(lambda, shares[id])
		secret.Add(term)
	}
	assert.True(t, crypto.ScalarBaseMult(secret).Equals(reference.PublicKey))

	// Private key generation traffic went over the encrypted channel.
	assert.Greater(t, messenger.encrypted, 0)
}

func TestReshareEpochBump(t *testing.T) {
	oldIDs := []tss.Participant{0, 1, 2, 3}
	newIDs := []tss.Participant{0, 1, 2, 4}
	allIDs := []tss.Participant{0, 1, 2, 3, 4}
	oldRoster := testRoster(oldIDs...)
	newRoster := testRoster(newIDs...)
	messenger := newLoopbackMessenger()

	// Seed epoch-3 key material for the old committee.
	secret, err := crypto.RandomScalar()
	require.NoError(t, err)
	poly, err := crypto.NewRandomPolynomial(secret, 3)
	require.NoError(t, err)
	pk := crypto.ScalarBaseMult(secret)

	contract := &ResharingContractState{
		OldEpoch: 3, OldParticipants: oldRoster, NewParticipants: newRoster, Threshold: 4, PublicKey: pk,
	}

	ctxs := make(map[tss.Participant]*fakeCtx, len(allIDs))
	states := make(map[tss.Participant]NodeState, len(allIDs))
	queues := make(map[tss.Participant]*MpcMessageQueue, len(allIDs))
	for _, id := range allIDs {
		ctxs[id] = newFakeCtx(testAccountID(id), messenger)
		states[id] = &StartingState{}
		queues[id] = NewMpcMessageQueue()
		messenger.register(testAccountID(id), queues[id])
		if tss.Contains(oldIDs, id) {
			share := poly.Evaluate(crypto.ScalarFromUint32(uint32(id) + 1))
			require.NoError(t, ctxs[id].storage.Store(context.Background(), &PersistentNodeData{
				Epoch: 3, PrivateShare: share, PublicKey: pk,
			}))
		}
	}

	finished := func(id tss.Participant) bool {
		switch states[id].(type) {
		case *WaitingForConsensusState, *JoiningState:
			return true
		}
		return false
	}
	for round := 0; round < 100; round++ {
		done := true
		for _, id := range allIDs {
			states[id] = tick(t, ctxs[id], states[id], contract, queues[id])
			if !finished(id) {
				done = false
			}
		}
		if done {
			break
		}
	}

	// The removed node dealt its share away and is joining.
	_, ok := states[3].(*JoiningState)
	assert.True(t, ok, "the removed node must end up joining")

	shares := make(map[tss.Participant]*crypto.Scalar)
	for _, id := range newIDs {
		wfc, ok := states[id].(*WaitingForConsensusState)
		require.True(t, ok, "node %d should reach WaitingForConsensus", id)
		assert.Equal(t, uint64(4), wfc.Epoch, "resharing must bump the epoch by one")
		assert.True(t, wfc.PublicKey.Equals(pk), "resharing must preserve the public key")
		shares[id] = wfc.PrivateShare

		data, err := ctxs[id].storage.Load(context.Background())
		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, uint64(4), data.Epoch)
	}

	// The fresh shares still reconstruct the original key.
	points := make([]*crypto.Scalar, len(newIDs))
	for i, id := range newIDs {
		points[i] = crypto.ScalarFromUint32(uint32(id) + 1)
	}
	reconstructed := new(crypto.Scalar)
	for i, id := range newIDs {
		lambda, err := crypto.LagrangeAtZero(points, i)
		require.NoError(t, err)
		term := new(crypto.Scalar)
		term.Mul2(lambda, shares[id])
		reconstructed.Add(term)
	}
	assert.True(t, crypto.ScalarBaseMult(reconstructed).Equals(pk))
}

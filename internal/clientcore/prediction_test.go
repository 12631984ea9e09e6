package clientcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func alwaysWalkable(_ int, _ int) bool { return true }

func TestPredictionReplay(t *testing.T) {
	p := &predictor{}
	p.snap(10, 10)

	seq1, ok := p.move(1, 0, alwaysWalkable)
	require.True(t, ok)
	require.Equal(t, uint32(1), seq1)

	seq2, ok := p.move(1, 0, alwaysWalkable)
	require.True(t, ok)
	require.Equal(t, uint32(2), seq2)

	x, y := p.position()
	require.Equal(t, 12, x)
	require.Equal(t, 10, y)

	// first ack confirms the prediction, seq 2 stays pending
	p.ack(1, 11, 10, alwaysWalkable)
	x, y = p.position()
	require.Equal(t, 12, x)
	require.Equal(t, 10, y)
	require.Len(t, p.pending, 1)

	p.ack(2, 12, 10, alwaysWalkable)
	x, y = p.position()
	require.Equal(t, 12, x)
	require.Equal(t, 10, y)
	require.Empty(t, p.pending)
}

func TestPredictionRejectionFlushes(t *testing.T) {
	p := &predictor{}
	p.snap(10, 10)

	p.move(1, 0, alwaysWalkable)
	p.move(1, 0, alwaysWalkable)
	p.move(0, 1, alwaysWalkable)

	// the server rejected the first move: the ack carries the old
	// position, everything queued after it is stale
	p.ack(1, 10, 10, alwaysWalkable)

	x, y := p.position()
	require.Equal(t, 10, x)
	require.Equal(t, 10, y)
	require.Empty(t, p.pending)
}

func TestPredictionReplayRespectsWalls(t *testing.T) {
	p := &predictor{}
	p.snap(0, 0)

	walkable := func(x int, _ int) bool { return x <= 1 }

	p.move(1, 0, alwaysWalkable)
	p.move(1, 0, alwaysWalkable) // predicted onto x=2, actually a wall

	// server confirms the first move; the replay of the second is
	// dropped by the corrected walkability view
	p.ack(1, 1, 0, walkable)

	x, y := p.position()
	require.Equal(t, 1, x)
	require.Equal(t, 0, y)
	require.Empty(t, p.pending)
}

func TestPredictionMoveBlocked(t *testing.T) {
	p := &predictor{}
	p.snap(0, 0)

	_, ok := p.move(1, 0, func(_, _ int) bool { return false })
	require.False(t, ok)

	x, y := p.position()
	require.Equal(t, 0, x)
	require.Equal(t, 0, y)
}

func TestPredictionSnapClearsPending(t *testing.T) {
	p := &predictor{}
	p.snap(5, 5)
	p.move(1, 0, alwaysWalkable)

	p.snap(20, 20)
	require.Empty(t, p.pending)

	x, y := p.position()
	require.Equal(t, 20, x)
	require.Equal(t, 20, y)
}

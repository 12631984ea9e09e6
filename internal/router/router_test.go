package router

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVolumeCurve(t *testing.T) {
	require.Equal(t, float32(1), Volume(0, 0))
	require.Equal(t, float32(1), Volume(2, 0))
	require.Equal(t, float32(1), Volume(1, 1))

	// 1 - (5-2)/(10-2)
	require.Equal(t, float32(0.625), Volume(5, 0))

	// 1 - (8-2)/(10-2)
	require.Equal(t, float32(0.25), Volume(0, 8))

	require.Equal(t, float32(0), Volume(11, 0))
	require.Equal(t, float32(0), Volume(100, 100))
}

func TestVolumeMonotonicity(t *testing.T) {
	prev := float32(1)
	for d := 0; d <= MaxDistance; d++ {
		v := Volume(d, 0)
		require.LessOrEqual(t, v, prev, "volume must not grow with distance (d=%d)", d)
		prev = v
	}
}

func TestVolumeSymmetry(t *testing.T) {
	for dx := -10; dx <= 10; dx++ {
		for dy := -10; dy <= 10; dy++ {
			require.Equal(t, Volume(dx, dy), Volume(-dx, -dy))
		}
	}
}

func TestVolumeMatchesFormula(t *testing.T) {
	for dx := 0; dx <= 10; dx++ {
		for dy := 0; dy <= 10; dy++ {
			d := math.Sqrt(float64(dx*dx + dy*dy))
			var want float64
			switch {
			case d <= FullVolumeDistance:
				want = 1
			case d <= MaxDistance:
				want = 1 - (d-FullVolumeDistance)/(MaxDistance-FullVolumeDistance)
			}
			require.InDelta(t, want, float64(Volume(dx, dy)), 1e-6)
		}
	}
}

func positionsOf(ps ...Position) map[uint32]Position {
	out := make(map[uint32]Position, len(ps))
	for i, p := range ps {
		out[uint32(i+1)] = p
	}
	return out
}

func TestRecipients(t *testing.T) {
	r := New()

	positions := positionsOf(
		Position{Level: "main", X: 5, Y: 5},  // 1: source
		Position{Level: "main", X: 6, Y: 5},  // 2: adjacent
		Position{Level: "main", X: 5, Y: 50}, // 3: out of range
		Position{Level: "cave", X: 5, Y: 5},  // 4: other level
	)

	recs := r.Recipients(1, false, positions)
	require.Len(t, recs, 1)
	require.Equal(t, uint32(2), recs[0].ID)
	require.Equal(t, float32(1), recs[0].Volume)
}

func TestRecipientsMuted(t *testing.T) {
	r := New()
	positions := positionsOf(
		Position{Level: "main", X: 0, Y: 0},
		Position{Level: "main", X: 1, Y: 0},
	)
	require.Empty(t, r.Recipients(1, true, positions))
}

func TestCrossLevelIsolation(t *testing.T) {
	r := New()
	positions := positionsOf(
		Position{Level: "main", X: 5, Y: 5},
		Position{Level: "main", X: 6, Y: 5},
	)

	recs := r.Recipients(1, false, positions)
	require.Len(t, recs, 1)

	// recipient steps through a door
	positions[2] = Position{Level: "dungeon", X: 10, Y: 10}
	require.Empty(t, r.Recipients(1, false, positions))
}

func TestCacheInvalidation(t *testing.T) {
	r := New()

	positions := positionsOf(
		Position{Level: "main", X: 0, Y: 0},
		Position{Level: "main", X: 5, Y: 0},
	)

	recs := r.Recipients(1, false, positions)
	require.Len(t, recs, 1)
	require.Equal(t, float32(0.625), recs[0].Volume)

	// recipient moves far enough to change its volume
	positions[2] = Position{Level: "main", X: 8, Y: 0}
	recs = r.Recipients(1, false, positions)
	require.Len(t, recs, 1)
	require.Equal(t, float32(0.25), recs[0].Volume)

	// recipient leaves the disc
	positions[2] = Position{Level: "main", X: 11, Y: 0}
	require.Empty(t, r.Recipients(1, false, positions))

	// a new player enters the disc
	positions[3] = Position{Level: "main", X: 1, Y: 0}
	recs = r.Recipients(1, false, positions)
	require.Len(t, recs, 1)
	require.Equal(t, uint32(3), recs[0].ID)

	// the source moves
	positions[1] = Position{Level: "main", X: 50, Y: 0}
	require.Empty(t, r.Recipients(1, false, positions))
}

func TestCacheReuse(t *testing.T) {
	r := New()

	positions := positionsOf(
		Position{Level: "main", X: 0, Y: 0},
		Position{Level: "main", X: 3, Y: 0},
	)

	first := r.Recipients(1, false, positions)
	second := r.Recipients(1, false, positions)

	// same backing slice: served from cache
	require.Equal(t, &first[0], &second[0])

	r.Invalidate(1)
	third := r.Recipients(1, false, positions)
	require.Equal(t, first, third)
	require.NotEqual(t, &first[0], &third[0])
}

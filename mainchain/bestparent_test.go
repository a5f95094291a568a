package mainchain

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"dag-consensus/models"
)

func parent(id string, level, wl int) *models.Unit {
	return &models.Unit{ID: id, Level: level, WitnessedLevel: wl}
}

func TestSelectBestParentOrdering(t *testing.T) {
	tests := []struct {
		name    string
		parents []*models.Unit
		want    string
	}{
		{
			name:    "deepest witnessed level wins",
			parents: []*models.Unit{parent("a", 10, 4), parent("b", 10, 7)},
			want:    "b",
		},
		{
			name:    "smaller gap breaks witnessed-level tie",
			parents: []*models.Unit{parent("a", 12, 5), parent("b", 9, 5)},
			want:    "b",
		},
		{
			name:    "smallest id breaks full tie",
			parents: []*models.Unit{parent("c", 9, 5), parent("a", 9, 5), parent("b", 9, 5)},
			want:    "a",
		},
		{
			name:    "witnessed level beats gap",
			parents: []*models.Unit{parent("a", 6, 5), parent("b", 20, 6)},
			want:    "b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, SelectBestParent(tt.parents).ID)
		})
	}
}

// Parents with identical witnessed level and identical gap must always
// resolve to the lexicographically smaller id, whatever order they are
// presented in.
func TestSelectBestParentTieBreakRandomized(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	for trial := 0; trial < 200; trial++ {
		wl := rnd.Intn(50)
		gap := rnd.Intn(10)
		n := 2 + rnd.Intn(6)
		parents := make([]*models.Unit, n)
		min := ""
		for i := range parents {
			id := fmt.Sprintf("u%08x", rnd.Uint32())
			parents[i] = parent(id, wl+gap, wl)
			if min == "" || id < min {
				min = id
			}
		}
		require.Equal(t, min, SelectBestParent(parents).ID, "trial %d", trial)

		rnd.Shuffle(n, func(i, j int) { parents[i], parents[j] = parents[j], parents[i] })
		require.Equal(t, min, SelectBestParent(parents).ID, "trial %d shuffled", trial)
	}
}

func TestSelectBestParentIsPure(t *testing.T) {
	a := parent("a", 8, 6)
	b := parent("b", 8, 6)
	for i := 0; i < 10; i++ {
		require.Equal(t, "a", SelectBestParent([]*models.Unit{b, a}).ID)
	}
}

func TestMajority(t *testing.T) {
	require.Equal(t, 7, Majority(12))
	require.Equal(t, 6, Majority(11))
	require.Equal(t, 1, Majority(1))
}

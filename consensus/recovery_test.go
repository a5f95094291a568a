package consensus_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dag-consensus/consensus"
	"dag-consensus/db"
	"dag-consensus/repository"
)

func openCore(t *testing.T, path string) (*consensus.Core, *db.LevelDB) {
	t.Helper()
	ldb, err := db.NewLevelDB(path)
	require.NoError(t, err)
	repo, err := repository.NewUnitRepository(ldb, 128)
	require.NoError(t, err)
	core, err := consensus.NewCore(repo, consensus.Config{StabilityRule: "legacy", UpgradeMci: -1})
	require.NoError(t, err)
	require.NoError(t, core.Start())
	return core, ldb
}

// A node stopped mid-DAG must resume from the persisted working set and
// tip pointer and reach exactly the conclusions an uninterrupted node
// reaches.
func TestRestartResumesAndAgrees(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units")

	core1, ldb1 := openCore(t, path)
	accept(t, core1, newUnit("G", "founder"))
	for i, w := range witnessList {
		accept(t, core1, newUnit(fmt.Sprintf("W%02d", i+1), w, "G"))
	}
	prev := "W01"
	for i := 1; i <= 20; i++ {
		id := fmt.Sprintf("c%02d", i)
		accept(t, core1, newUnit(id, "user1", prev))
		prev = id
	}
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("X%d", i)
		accept(t, core1, newUnit(id, witnessList[i], prev))
		prev = id
	}
	requireStable(t, core1, "W01", false)
	require.NoError(t, ldb1.Close())

	// restart: nothing stabilized in the meantime, conclusions identical
	core2, ldb2 := openCore(t, path)
	defer ldb2.Close()

	for _, id := range []string{"G", "W01", "W07", "c01", "c20", "X4"} {
		s1, m1, err := core1.StabilityInfo(id)
		require.NoError(t, err)
		s2, m2, err := core2.StabilityInfo(id)
		require.NoError(t, err)
		require.Equal(t, s1, s2, "unit %s", id)
		require.Equal(t, m1, m2, "unit %s", id)
	}

	// the restarted node keeps accepting and finalizes as usual
	for i := 5; i <= 7; i++ {
		id := fmt.Sprintf("X%d", i)
		accept(t, core2, newUnit(id, witnessList[i], prev))
		prev = id
	}
	stable, mci, err := core2.StabilityInfo("W01")
	require.NoError(t, err)
	require.True(t, stable)
	require.NotNil(t, mci)
	require.Equal(t, int64(1), *mci)
	requireStable(t, core2, "c20", true)
}

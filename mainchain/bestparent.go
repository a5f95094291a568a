package mainchain

import "dag-consensus/models"

// Majority returns the number of distinct witnesses required for a quorum
// over a witness list of the given size (7 of 12).
func Majority(witnessCount int) int {
	return witnessCount/2 + 1
}

// Better reports whether unit a precedes unit b under the deterministic
// parent ordering: deepest witnessed level first, then the smallest
// level−witnessed_level gap, then the smallest id. Pure over recorded
// fields, never wall-clock time or node-local state.
func Better(a, b *models.Unit) bool {
	if a.WitnessedLevel != b.WitnessedLevel {
		return a.WitnessedLevel > b.WitnessedLevel
	}
	gapA := a.Level - a.WitnessedLevel
	gapB := b.Level - b.WitnessedLevel
	if gapA != gapB {
		return gapA < gapB
	}
	return a.ID < b.ID
}

// SelectBestParent picks exactly one parent out of the parent set.
// Callers guarantee the slice is non-empty.
func SelectBestParent(parents []*models.Unit) *models.Unit {
	best := parents[0]
	for _, p := range parents[1:] {
		if Better(p, best) {
			best = p
		}
	}
	return best
}

package mainchain

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dag-consensus/graph"
	"dag-consensus/logger"
	"dag-consensus/models"
)

// ErrInvariant marks an unrecoverable logic error: the DAG contradicts a
// consensus invariant. The core refuses further progress rather than
// mis-stabilize or crash.
var ErrInvariant = errors.New("consensus invariant violated")

// Builder maintains the main chain: the path of best-parent links from the
// current best free tip down to genesis, carrying a monotonically
// increasing main chain index.
type Builder struct {
	store         *graph.Store
	lastStableMci int64
	tipID         string
	tipMci        int64
}

func NewBuilder(store *graph.Store) *Builder {
	return &Builder{store: store, lastStableMci: -1, tipMci: -1}
}

// Tip returns the current main-chain tip id and its index.
func (b *Builder) Tip() (string, int64) {
	return b.tipID, b.tipMci
}

// LastStableMci returns the index below which the chain is frozen.
func (b *Builder) LastStableMci() int64 {
	return b.lastStableMci
}

// Restore primes the builder after restart from the persisted tip pointer.
func (b *Builder) Restore(tipID string, tipMci, lastStableMci int64) {
	b.tipID = tipID
	b.tipMci = tipMci
	b.lastStableMci = lastStableMci
}

// SetLastStableMci advances the frozen prefix of the chain.
func (b *Builder) SetLastStableMci(mci int64) {
	if mci > b.lastStableMci {
		b.lastStableMci = mci
	}
}

// AttachUnit derives the consensus fields of a newly accepted unit
// (level, best parent, witnessed level) and inserts it into the graph
// store. Genesis is attached already stable at index 0.
func (b *Builder) AttachUnit(u *models.Unit) error {
	if u.IsGenesis() {
		u.Level = 0
		u.WitnessedLevel = 0
		u.IsOnMainChain = true
		mci := int64(0)
		u.MainChainIndex = &mci
		u.IsStable = true
		if err := b.store.Add(u); err != nil {
			return err
		}
		b.tipID = u.ID
		b.tipMci = 0
		b.lastStableMci = 0
		return nil
	}

	parents, err := b.store.Parents(u)
	if err != nil {
		return err
	}
	level := 0
	for _, p := range parents {
		if p.Level+1 > level {
			level = p.Level + 1
		}
	}
	u.Level = level
	best := SelectBestParent(parents)

	if err := b.store.Add(u); err != nil {
		return err
	}
	b.store.SetBestParent(u.ID, best.ID)

	wl, err := b.witnessedLevel(u, best)
	if err != nil {
		return err
	}
	b.store.SetWitnessedLevel(u.ID, wl)
	return nil
}

// witnessedLevel walks best-parent links from the unit's best parent
// toward genesis, collecting distinct addresses from the unit's witness
// list. The witnessed level is the level of the unit at which the
// majority-th distinct witness is collected, or 0 when genesis is
// reached first.
func (b *Builder) witnessedLevel(u *models.Unit, bestParent *models.Unit) (int, error) {
	witnesses := make(map[string]bool, len(u.WitnessAddresses))
	for _, w := range u.WitnessAddresses {
		witnesses[w] = true
	}
	majority := Majority(len(u.WitnessAddresses))

	seen := make(map[string]bool)
	cur := bestParent
	for {
		for _, a := range cur.AuthorAddresses {
			if witnesses[a] && !seen[a] {
				seen[a] = true
				if len(seen) >= majority {
					return cur.Level, nil
				}
			}
		}
		if cur.IsGenesis() {
			return 0, nil
		}
		next, err := b.store.Get(cur.BestParentID)
		if err != nil {
			return 0, fmt.Errorf("broken best-parent chain at %s: %w", cur.ID, err)
		}
		cur = next
	}
}

// UpdateMainChain re-derives the main chain after a unit attached. The
// best free unit becomes the tip; the best-parent path below it is marked
// as the chain. Units leaving the chain are demoted and their indexes
// cleared; a divergence below the stable point is an invariant violation.
// Each chain unit then claims every reachable unit that has no index yet.
func (b *Builder) UpdateMainChain() error {
	free := b.store.FreeUnits()
	if len(free) == 0 {
		return nil
	}
	tip := free[0]
	for _, u := range free[1:] {
		if Better(u, tip) {
			tip = u
		}
	}
	if tip.ID == b.tipID {
		return nil
	}

	// walk down to the first unit already on the chain
	var newChain []*models.Unit
	cur := tip
	for !cur.IsOnMainChain {
		newChain = append(newChain, cur)
		next, err := b.store.Get(cur.BestParentID)
		if err != nil {
			return fmt.Errorf("broken best-parent chain at %s: %w", cur.ID, err)
		}
		cur = next
	}
	join := cur
	joinMci := join.Mci()
	if joinMci < b.lastStableMci {
		return fmt.Errorf("%w: main chain diverges at mci %d below stable point %d",
			ErrInvariant, joinMci, b.lastStableMci)
	}

	// demote unstable units above the join point; they are either on the
	// abandoned suffix or were claimed by it
	for _, u := range b.store.Unstable() {
		if u.Mci() <= joinMci || u.MainChainIndex == nil {
			continue
		}
		b.store.ClearMci(u.ID)
	}

	// assign ascending indexes along the new suffix, genesis-side first
	mci := joinMci
	for i := len(newChain) - 1; i >= 0; i-- {
		mci++
		u := newChain[i]
		b.store.AssignMci(u.ID, mci, true)
		if err := b.claimIncluded(u, mci); err != nil {
			return err
		}
	}

	b.tipID = tip.ID
	b.tipMci = mci
	logger.Logger.Debug("main chain updated",
		zap.String("tip", tip.ID),
		zap.Int64("tip_mci", mci),
		zap.Int("reassigned", len(newChain)))
	return nil
}

// claimIncluded assigns the chain unit's index to every unit it includes
// that has no index yet. Chain units are processed in ascending index
// order, so each unit ends up with the index of the earliest chain unit
// including it.
func (b *Builder) claimIncluded(mcUnit *models.Unit, mci int64) error {
	queue := append([]string(nil), mcUnit.ParentIDs...)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		u, err := b.store.Get(id)
		if err != nil {
			return err
		}
		if u.MainChainIndex != nil {
			continue
		}
		b.store.AssignMci(id, mci, false)
		queue = append(queue, u.ParentIDs...)
	}
	return nil
}

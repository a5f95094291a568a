package mainchain

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"dag-consensus/graph"
	"dag-consensus/logger"
	"dag-consensus/models"
)

// walkBatch bounds how many work-list entries the closure walk pops before
// re-checking whether the outcome is already decided.
const walkBatch = 1024

// Determiner decides whether the oldest unstable main-chain unit has
// become irreversible. It is a state machine over one candidate at a time
// and cascades to the successor after every success. On an invariant
// violation it halts consensus progress instead of mis-stabilizing or
// crashing; reads keep working.
type Determiner struct {
	store  *graph.Store
	rules  *RuleResolver
	halted bool
}

func NewDeterminer(store *graph.Store, rules *RuleResolver) *Determiner {
	return &Determiner{store: store, rules: rules}
}

// Halted reports whether an invariant violation has stopped the determiner.
func (d *Determiner) Halted() bool {
	return d.halted
}

// Advance re-evaluates candidates until one fails its quorum, stabilizing
// each success together with every unit sharing its index. It returns the
// newly stable units in stabilization order. Resuming after a crash
// re-reaches the same conclusions: nothing here depends on prior in-flight
// state.
func (d *Determiner) Advance() ([]*models.Unit, error) {
	if d.halted {
		return nil, fmt.Errorf("%w: determiner halted", ErrInvariant)
	}
	var stabilized []*models.Unit
	for {
		candidate := d.oldestCandidate()
		if candidate == nil {
			return stabilized, nil
		}
		ok, err := d.candidateStable(candidate)
		if err != nil {
			d.halted = true
			logger.Logger.Error("halting consensus progress",
				zap.String("candidate", candidate.ID), zap.Error(err))
			return stabilized, err
		}
		if !ok {
			return stabilized, nil
		}
		stabilized = append(stabilized, d.finalize(candidate)...)
	}
}

// oldestCandidate returns the unstable main-chain unit with the smallest
// index, or nil when the whole chain is stable.
func (d *Determiner) oldestCandidate() *models.Unit {
	var candidate *models.Unit
	for _, u := range d.store.Unstable() {
		if !u.IsOnMainChain {
			continue
		}
		if candidate == nil || u.Mci() < candidate.Mci() {
			candidate = u
		}
	}
	return candidate
}

// candidateStable runs the quorum check for one candidate: walk the
// best-children closure from the candidate's successor and every
// alternative-branch root, count distinct witnesses that authored a
// good-sequence collected unit, and test the accumulated witnessed level
// against the in-force rule.
func (d *Determiner) candidateStable(candidate *models.Unit) (bool, error) {
	witnessCount := len(candidate.WitnessAddresses)
	if witnessCount == 0 {
		return false, fmt.Errorf("%w: unit %s has an empty witness list", ErrInvariant, candidate.ID)
	}
	majority := Majority(witnessCount)
	witnesses := make(map[string]bool, witnessCount)
	for _, w := range candidate.WitnessAddresses {
		witnesses[w] = true
	}
	if len(witnesses) < majority {
		return false, fmt.Errorf("%w: witness list of %s cannot reach quorum", ErrInvariant, candidate.ID)
	}
	rule := d.rules.RuleFor(candidate.Mci())

	if candidate.IsFree {
		// no successor exists yet, nothing can finalize the candidate
		return false, nil
	}
	roots, err := d.collectRoots(candidate)
	if err != nil {
		return false, err
	}
	if len(roots) == 0 {
		return false, fmt.Errorf("%w: main-chain unit %s has children but no best children",
			ErrInvariant, candidate.ID)
	}

	// Closure walk over best-child edges with an explicit work list;
	// chains run tens of thousands of units long. The predicate is
	// monotone in the collected set, so the walk stops as soon as it
	// holds; only an exhausted list means "not stable yet".
	queue := roots
	seen := make(map[string]bool, len(roots))
	for _, id := range roots {
		seen[id] = true
	}
	wlByWitness := make(map[string]int)

	for len(queue) > 0 {
		batch := len(queue)
		if batch > walkBatch {
			batch = walkBatch
		}
		for i := 0; i < batch; i++ {
			id := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			u, err := d.store.Get(id)
			if err != nil {
				return false, err
			}
			if u.CountsForQuorum() {
				for _, a := range u.AuthorAddresses {
					if !witnesses[a] {
						continue
					}
					if wl, ok := wlByWitness[a]; !ok || u.WitnessedLevel > wl {
						wlByWitness[a] = u.WitnessedLevel
					}
				}
			}
			if u.IsFree {
				continue
			}
			for _, child := range d.store.BestChildren(u.ID) {
				if !seen[child] {
					seen[child] = true
					queue = append(queue, child)
				}
			}
		}
		if len(wlByWitness) >= majority && rule.Satisfied(candidate, accumulatedWL(wlByWitness, majority)) {
			return true, nil
		}
	}
	return false, nil
}

// collectRoots gathers the candidate's best children plus the roots of
// alternative branches: unstable non-chain units whose best parent is a
// main-chain unit at or below the candidate's index. The closure walk
// covers everything attaching transitively below them; branches below
// long-stable units are themselves stable and out of the working set.
func (d *Determiner) collectRoots(candidate *models.Unit) ([]string, error) {
	rootSet := make(map[string]bool)
	for _, id := range d.store.BestChildren(candidate.ID) {
		rootSet[id] = true
	}
	for _, u := range d.store.Unstable() {
		if u.IsOnMainChain || u.ID == candidate.ID || u.BestParentID == "" {
			continue
		}
		if rootSet[u.ID] {
			continue
		}
		bp, err := d.store.Get(u.BestParentID)
		if err != nil {
			return nil, err
		}
		if bp.IsOnMainChain && bp.Mci() <= candidate.Mci() && bp.ID != candidate.ID {
			rootSet[u.ID] = true
		}
	}
	roots := make([]string, 0, len(rootSet))
	for id := range rootSet {
		roots = append(roots, id)
	}
	sort.Strings(roots)
	return roots, nil
}

// accumulatedWL sorts the per-witness deepest witnessed levels descending
// and returns the value at the quorum position.
func accumulatedWL(wlByWitness map[string]int, majority int) int {
	levels := make([]int, 0, len(wlByWitness))
	for _, wl := range wlByWitness {
		levels = append(levels, wl)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))
	return levels[majority-1]
}

// finalize marks the candidate and every unit sharing its index as stable.
// Their index and chain membership are frozen from here on.
func (d *Determiner) finalize(candidate *models.Unit) []*models.Unit {
	mci := candidate.Mci()
	ids := []string{candidate.ID}
	for _, u := range d.store.Unstable() {
		if u.ID != candidate.ID && u.Mci() == mci {
			ids = append(ids, u.ID)
		}
	}
	sort.Strings(ids[1:])

	stabilized := make([]*models.Unit, 0, len(ids))
	for _, id := range ids {
		if u := d.store.SetStable(id); u != nil {
			stabilized = append(stabilized, u)
		}
	}
	logger.Logger.Info("unit stabilized",
		zap.String("unit", candidate.ID),
		zap.Int64("mci", mci),
		zap.Int("included", len(stabilized)-1))
	return stabilized
}

package graph

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dag-consensus/logger"
	"dag-consensus/models"
	"dag-consensus/repository"
)

// ErrUnknownUnit is returned when a unit id resolves neither in the
// working set nor in the backing repository.
var ErrUnknownUnit = errors.New("unknown unit")

// Store holds the unstable working set with parent/child and
// best-children indexes. Stable units are retired to the repository and
// fetched back on demand. Accessors return copies; field mutations go
// through the locked setters, so reads may run concurrently with the
// single writer.
type Store struct {
	mu   sync.RWMutex
	repo repository.UnitRepositoryInterface

	units        map[string]*models.Unit // unstable working set
	children     map[string][]string     // parent id -> child ids, working-set scope
	bestChildren map[string][]string     // unit id -> children whose best parent it is
	dirty        map[string]*models.Unit // mutated since last Flush
}

func NewStore(repo repository.UnitRepositoryInterface) *Store {
	return &Store{
		repo:         repo,
		units:        make(map[string]*models.Unit),
		children:     make(map[string][]string),
		bestChildren: make(map[string][]string),
		dirty:        make(map[string]*models.Unit),
	}
}

// Load rebuilds the working set and its indexes from the repository's
// unstable index. Called once on startup before any unit is accepted.
func (s *Store) Load() error {
	units, err := s.repo.GetUnstableUnits()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		s.units[u.ID] = u
	}
	for _, u := range units {
		for _, pid := range u.ParentIDs {
			s.children[pid] = append(s.children[pid], u.ID)
		}
		if u.BestParentID != "" {
			s.bestChildren[u.BestParentID] = append(s.bestChildren[u.BestParentID], u.ID)
		}
	}
	// deterministic index order regardless of scan order
	for _, idx := range []map[string][]string{s.children, s.bestChildren} {
		for _, ids := range idx {
			sort.Strings(ids)
		}
	}
	logger.Logger.Info("unit graph store loaded", zap.Int("unstable_units", len(units)))
	return nil
}

// Add inserts a newly accepted unit into the working set, wires the child
// index and flips each parent's free flag the instant the child names it.
func (s *Store) Add(u *models.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[u.ID]; ok {
		return errors.New("unit with id already exists: " + u.ID)
	}
	u.IsFree = true
	s.units[u.ID] = u
	s.dirty[u.ID] = u
	for _, pid := range u.ParentIDs {
		s.children[pid] = insertSorted(s.children[pid], u.ID)
		parent, err := s.getLocked(pid)
		if err != nil {
			return err
		}
		if parent.IsFree {
			parent.IsFree = false
			s.dirty[parent.ID] = parent
			// a stable parent is no longer in the working set; keep the
			// record consistent on disk anyway
			if _, inSet := s.units[parent.ID]; !inSet {
				s.units[parent.ID] = parent
			}
		}
	}
	return nil
}

// Get returns a copy of the unit's record, from the working set when
// unstable, otherwise from the repository. Stability facts must be read
// off the one record this returns, never assembled from two calls.
func (s *Store) Get(id string) (*models.Unit, error) {
	s.mu.RLock()
	if u, ok := s.units[id]; ok {
		c := u.Clone()
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()
	u, err := s.repo.GetUnit(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownUnit
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) getLocked(id string) (*models.Unit, error) {
	if u, ok := s.units[id]; ok {
		return u, nil
	}
	u, err := s.repo.GetUnit(id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownUnit
		}
		return nil, err
	}
	return u, nil
}

// Has reports whether the unit exists at all.
func (s *Store) Has(id string) bool {
	_, err := s.Get(id)
	return err == nil
}

// Parents resolves a unit's parent records.
func (s *Store) Parents(u *models.Unit) ([]*models.Unit, error) {
	parents := make([]*models.Unit, 0, len(u.ParentIDs))
	for _, pid := range u.ParentIDs {
		p, err := s.Get(pid)
		if err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	return parents, nil
}

// Children returns the ids of known children of a unit.
func (s *Store) Children(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.children[id]...)
}

// BestChildren returns the children whose best parent is the given unit.
func (s *Store) BestChildren(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.bestChildren[id]...)
}

// IsFree reports whether no known child names the unit as parent.
func (s *Store) IsFree(id string) (bool, error) {
	u, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return u.IsFree, nil
}

// FreeUnits returns the current tips of the DAG, sorted by id for
// deterministic iteration.
func (s *Store) FreeUnits() []*models.Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var free []*models.Unit
	for _, u := range s.units {
		if u.IsFree {
			free = append(free, u.Clone())
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	return free
}

// Unstable returns the whole working set, sorted by id.
func (s *Store) Unstable() []*models.Unit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*models.Unit, 0, len(s.units))
	for _, u := range s.units {
		if !u.IsStable {
			all = append(all, u.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// SetBestParent records the selected best parent and maintains the
// best-children reverse index.
func (s *Store) SetBestParent(id, bestParentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return
	}
	u.BestParentID = bestParentID
	s.bestChildren[bestParentID] = insertSorted(s.bestChildren[bestParentID], id)
	s.dirty[id] = u
}

// SetWitnessedLevel records a unit's derived witnessed level.
func (s *Store) SetWitnessedLevel(id string, wl int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[id]; ok {
		u.WitnessedLevel = wl
		s.dirty[id] = u
	}
}

// AssignMci sets a unit's main chain index and chain membership.
func (s *Store) AssignMci(id string, mci int64, onMainChain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[id]; ok {
		idx := mci
		u.MainChainIndex = &idx
		u.IsOnMainChain = onMainChain
		s.dirty[id] = u
	}
}

// ClearMci takes a unit off the main chain and clears its index.
func (s *Store) ClearMci(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.units[id]; ok {
		u.MainChainIndex = nil
		u.IsOnMainChain = false
		s.dirty[id] = u
	}
}

// SetStable marks a unit irreversibly final and returns its record, or
// nil when the unit is not in the working set.
func (s *Store) SetStable(id string) *models.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return nil
	}
	u.IsStable = true
	s.dirty[id] = u
	return u.Clone()
}

// Flush persists every mutated record in one batch and retires
// newly stable units from the working set. Called once at the end of each
// accepted-unit critical section.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dirty) == 0 {
		return nil
	}
	batch := make([]*models.Unit, 0, len(s.dirty))
	for _, u := range s.dirty {
		batch = append(batch, u)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	if err := s.repo.PutUnits(batch); err != nil {
		return err
	}
	for _, u := range batch {
		if u.IsStable {
			delete(s.units, u.ID)
			delete(s.children, u.ID)
			delete(s.bestChildren, u.ID)
		}
	}
	s.dirty = make(map[string]*models.Unit)
	return nil
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

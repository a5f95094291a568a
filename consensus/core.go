package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dag-consensus/graph"
	"dag-consensus/logger"
	"dag-consensus/mainchain"
	"dag-consensus/models"
	"dag-consensus/repository"
)

// StabilizedFunc is notified exactly once per unit at the moment it
// becomes stable.
type StabilizedFunc func(unit *models.Unit, mci int64)

// Config carries the consensus-relevant settings resolved from the
// configuration file.
type Config struct {
	// StabilityRule names the witnessed-level non-retreat rule in force
	// after UpgradeMci ("legacy" or "strict").
	StabilityRule string
	// UpgradeMci is the main chain index at which the configured rule
	// replaces the legacy one; negative means never.
	UpgradeMci int64
}

// Core runs the whole consensus pipeline. One exclusive critical section
// per accepted unit executes attach, main-chain update and the stability
// cascade; no two stability evaluations or chain rebuilds ever run
// concurrently. Read-only queries go straight to the graph store and may
// see eventually-consistent answers.
type Core struct {
	mu    sync.Mutex
	repo  repository.UnitRepositoryInterface
	store *graph.Store

	builder    *mainchain.Builder
	determiner *mainchain.Determiner

	subsMu sync.Mutex
	subs   []StabilizedFunc
}

func NewCore(repo repository.UnitRepositoryInterface, cfg Config) (*Core, error) {
	rule, err := mainchain.RuleByName(cfg.StabilityRule)
	if err != nil {
		return nil, err
	}
	store := graph.NewStore(repo)
	return &Core{
		repo:       repo,
		store:      store,
		builder:    mainchain.NewBuilder(store),
		determiner: mainchain.NewDeterminer(store, mainchain.NewRuleResolver(rule, cfg.UpgradeMci)),
	}, nil
}

// Store exposes the unit graph store for read-only queries.
func (c *Core) Store() *graph.Store {
	return c.store
}

// Start reloads the unstable working set and the chain tip pointer, then
// re-runs stabilization. A crash before a candidate was marked stable
// reaches the same conclusion on this re-run.
func (c *Core) Start() error {
	stabilized, err := c.startLocked()
	if err != nil {
		return err
	}
	for _, u := range stabilized {
		c.notify(u)
	}
	return nil
}

func (c *Core) startLocked() ([]*models.Unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Load(); err != nil {
		return nil, err
	}
	tip, err := c.repo.GetChainTip()
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if tip != nil {
		c.builder.Restore(tip.UnitID, tip.MainChainIndex, tip.LastStableMci)
		logger.Logger.Info("resuming from persisted chain tip",
			zap.String("tip", tip.UnitID),
			zap.Int64("tip_mci", tip.MainChainIndex),
			zap.Int64("last_stable_mci", tip.LastStableMci))
	}
	return c.runPipeline(false)
}

// OnUnitAccepted ingests one newly accepted, already-validated unit and
// drives the pipeline: attach, rebuild the chain, cascade stability.
// Called exactly once per unit by the validation/write pipeline.
// Stabilization callbacks fire after the critical section ends.
func (c *Core) OnUnitAccepted(u *models.Unit) error {
	if err := checkShape(u); err != nil {
		return err
	}
	stabilized, err := c.acceptLocked(u)
	if err != nil {
		return err
	}
	for _, s := range stabilized {
		c.notify(s)
	}
	return nil
}

func (c *Core) acceptLocked(u *models.Unit) ([]*models.Unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.determiner.Halted() {
		return nil, fmt.Errorf("%w: refusing new units", mainchain.ErrInvariant)
	}
	if c.store.Has(u.ID) {
		return nil, errors.New("unit with id already exists: " + u.ID)
	}
	if tipID, _ := c.builder.Tip(); u.IsGenesis() && tipID != "" {
		return nil, errors.New("genesis already exists")
	}
	for _, pid := range u.ParentIDs {
		if !c.store.Has(pid) {
			return nil, errors.New("parent unit " + pid + " does not exist")
		}
	}

	// derived fields belong to this core, whatever the caller sent
	u.Level = 0
	u.WitnessedLevel = 0
	u.BestParentID = ""
	u.MainChainIndex = nil
	u.IsOnMainChain = false
	u.IsStable = false

	if err := c.builder.AttachUnit(u); err != nil {
		return nil, err
	}
	if u.IsGenesis() {
		// stable by definition
		if err := c.persistTip(); err != nil {
			return nil, err
		}
		logger.Logger.Info("genesis accepted", zap.String("unit", u.ID))
		return []*models.Unit{u.Clone()}, nil
	}
	return c.runPipeline(true)
}

// runPipeline updates the main chain, cascades stability and flushes all
// mutations in one batch. It is only ever entered with the writer lock
// held; the returned units are reported to subscribers by the caller
// once the lock is released.
func (c *Core) runPipeline(logAccept bool) ([]*models.Unit, error) {
	if err := c.builder.UpdateMainChain(); err != nil {
		return nil, err
	}
	stabilized, err := c.determiner.Advance()
	if err != nil {
		// flush whatever is consistent; the determiner is halted and the
		// inconsistency has been reported
		if ferr := c.store.Flush(); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}
	for _, u := range stabilized {
		if mci := u.Mci(); mci > c.builder.LastStableMci() && u.IsOnMainChain {
			c.builder.SetLastStableMci(mci)
		}
	}
	if err := c.persistTip(); err != nil {
		return nil, err
	}
	if logAccept {
		tipID, tipMci := c.builder.Tip()
		logger.Logger.Debug("unit pipeline complete",
			zap.String("tip", tipID),
			zap.Int64("tip_mci", tipMci),
			zap.Int("stabilized", len(stabilized)))
	}
	return stabilized, nil
}

func (c *Core) persistTip() error {
	if err := c.store.Flush(); err != nil {
		return err
	}
	tipID, tipMci := c.builder.Tip()
	if tipID == "" {
		return nil
	}
	return c.repo.PutChainTip(&models.ChainTip{
		UnitID:         tipID,
		MainChainIndex: tipMci,
		LastStableMci:  c.builder.LastStableMci(),
		UpdatedAt:      time.Now().UnixMilli(),
	})
}

// OnUnitStabilized registers a notification fired exactly once per unit at
// the moment of stabilization. Callbacks run outside the writer lock and
// may call back into the core.
func (c *Core) OnUnitStabilized(fn StabilizedFunc) {
	c.subsMu.Lock()
	c.subs = append(c.subs, fn)
	c.subsMu.Unlock()
}

func (c *Core) notify(u *models.Unit) {
	c.subsMu.Lock()
	subs := append([]StabilizedFunc(nil), c.subs...)
	c.subsMu.Unlock()
	for _, fn := range subs {
		fn(u, u.Mci())
	}
}

// StabilityInfo returns a unit's stability flag and main chain index,
// both read off one fetched record; two separate reads can straddle a
// stabilization.
func (c *Core) StabilityInfo(id string) (bool, *int64, error) {
	u, err := c.store.Get(id)
	if err != nil {
		return false, nil, err
	}
	if u.MainChainIndex == nil {
		return u.IsStable, nil, nil
	}
	mci := *u.MainChainIndex
	return u.IsStable, &mci, nil
}

// IsStable reports whether the unit is irreversibly final.
func (c *Core) IsStable(id string) (bool, error) {
	stable, _, err := c.StabilityInfo(id)
	return stable, err
}

// GetMci returns the unit's main chain index, nil while it has none.
func (c *Core) GetMci(id string) (*int64, error) {
	_, mci, err := c.StabilityInfo(id)
	return mci, err
}

// GetWitnessList returns the witness set in force for the unit.
func (c *Core) GetWitnessList(id string) ([]string, error) {
	u, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), u.WitnessAddresses...), nil
}

// Tip returns the current main-chain tip and the last stable index.
func (c *Core) Tip() (string, int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tipID, tipMci := c.builder.Tip()
	return tipID, tipMci, c.builder.LastStableMci()
}

// Halted reports whether an invariant violation stopped consensus
// progress. Reads keep serving.
func (c *Core) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.determiner.Halted()
}

// checkShape rejects units the upstream validator should never emit.
// Malformed input must not reach the consensus algorithms.
func checkShape(u *models.Unit) error {
	if u.ID == "" {
		return errors.New("unit id is empty")
	}
	if len(u.ParentIDs) > models.MaxParents {
		return fmt.Errorf("unit %s has %d parents, max %d", u.ID, len(u.ParentIDs), models.MaxParents)
	}
	if len(u.AuthorAddresses) == 0 || len(u.AuthorAddresses) > models.MaxAuthors {
		return fmt.Errorf("unit %s has %d authors, want 1..%d", u.ID, len(u.AuthorAddresses), models.MaxAuthors)
	}
	if len(u.WitnessAddresses) == 0 {
		return fmt.Errorf("unit %s has an empty witness list", u.ID)
	}
	switch u.Sequence {
	case models.SeqGood, models.SeqTempBad, models.SeqFinalBad:
	case "":
		u.Sequence = models.SeqGood
	default:
		return fmt.Errorf("unit %s has unknown sequence %q", u.ID, u.Sequence)
	}
	return nil
}

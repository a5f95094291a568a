package repository

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"

	"dag-consensus/db"
	"dag-consensus/models"
)

// Key prefixes in the backing store.
const (
	unitPrefix     = "unit:"
	unstablePrefix = "unstable:"
	chainTipKey    = "chain_tip"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = leveldb.ErrNotFound

// It abstracts the storage layer from the consensus core
type UnitRepositoryInterface interface {
	PutUnit(unit *models.Unit) error
	PutUnits(units []*models.Unit) error
	GetUnit(id string) (*models.Unit, error)
	GetUnstableUnits() ([]*models.Unit, error)
	PutChainTip(tip *models.ChainTip) error
	GetChainTip() (*models.ChainTip, error)
}

// UnitRepository implements UnitRepositoryInterface using LevelDB as the
// storage backend. Stable units read back from disk pass through an LRU
// cache, since the in-memory working set only holds unstable units.
type UnitRepository struct {
	db     *db.LevelDB
	stable *lru.Cache
}

// NewUnitRepository creates and returns a new UnitRepository instance
func NewUnitRepository(ldb *db.LevelDB, cacheSize int) (*UnitRepository, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &UnitRepository{db: ldb, stable: cache}, nil
}

// PutUnit stores a unit record and maintains the unstable index used to
// rebuild the working set after restart.
func (r *UnitRepository) PutUnit(unit *models.Unit) error {
	batch := new(leveldb.Batch)
	if err := r.appendUnit(batch, unit); err != nil {
		return err
	}
	return r.db.Write(batch)
}

// PutUnits stores several unit records in one atomic batch. The consensus
// pipeline flushes every mutation of one accepted-unit event through here
// so a crash mid-event leaves no partial state.
func (r *UnitRepository) PutUnits(units []*models.Unit) error {
	batch := new(leveldb.Batch)
	for _, unit := range units {
		if err := r.appendUnit(batch, unit); err != nil {
			return err
		}
	}
	return r.db.Write(batch)
}

func (r *UnitRepository) appendUnit(batch *leveldb.Batch, unit *models.Unit) error {
	data, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	batch.Put([]byte(unitPrefix+unit.ID), data)
	if unit.IsStable {
		batch.Delete([]byte(unstablePrefix + unit.ID))
		r.stable.Add(unit.ID, unit.Clone())
	} else {
		batch.Put([]byte(unstablePrefix+unit.ID), nil)
	}
	return nil
}

// GetUnit retrieves a unit record by id, via the stable cache when possible.
func (r *UnitRepository) GetUnit(id string) (*models.Unit, error) {
	if cached, ok := r.stable.Get(id); ok {
		return cached.(*models.Unit).Clone(), nil
	}
	data, err := r.db.Get([]byte(unitPrefix + id))
	if err != nil {
		return nil, err
	}
	var unit models.Unit
	if err := json.Unmarshal(data, &unit); err != nil {
		return nil, fmt.Errorf("corrupt unit record %s: %w", id, err)
	}
	if unit.IsStable {
		r.stable.Add(unit.ID, unit.Clone())
	}
	return &unit, nil
}

// GetUnstableUnits retrieves every unit in the unstable index, i.e. the
// working set to reload on startup.
func (r *UnitRepository) GetUnstableUnits() ([]*models.Unit, error) {
	iter := r.db.NewPrefixIterator([]byte(unstablePrefix))
	defer iter.Release()

	var units []*models.Unit
	for iter.Next() {
		id := string(iter.Key()[len(unstablePrefix):])
		unit, err := r.GetUnit(id)
		if err != nil {
			return nil, fmt.Errorf("unstable index points at missing unit %s: %w", id, err)
		}
		units = append(units, unit)
	}
	return units, iter.Error()
}

// PutChainTip persists the current main-chain tip pointer
func (r *UnitRepository) PutChainTip(tip *models.ChainTip) error {
	data, err := json.Marshal(tip)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(chainTipKey), data)
}

// GetChainTip retrieves the persisted main-chain tip pointer, or
// ErrNotFound on a fresh database.
func (r *UnitRepository) GetChainTip() (*models.ChainTip, error) {
	data, err := r.db.Get([]byte(chainTipKey))
	if err != nil {
		return nil, err
	}
	var tip models.ChainTip
	if err := json.Unmarshal(data, &tip); err != nil {
		return nil, err
	}
	return &tip, nil
}

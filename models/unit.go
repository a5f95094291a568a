package models

// Sequence values assigned by the validation pipeline. Only good-sequence
// units count toward witness quorums.
const (
	SeqGood     = "good"
	SeqTempBad  = "temp-bad"
	SeqFinalBad = "final-bad"
)

// Protocol limits on unit shape.
const (
	MaxParents = 16
	MaxAuthors = 16
)

// Unit is one vertex of the DAG. The validation pipeline fills the identity
// fields; the consensus core derives and maintains the rest.
type Unit struct {
	ID               string   `json:"id"`        // content hash, globally unique
	ParentIDs        []string `json:"parents"`   // empty only for genesis
	AuthorAddresses  []string `json:"authors"`   // signing addresses
	WitnessAddresses []string `json:"witnesses"` // witness set in force for this unit
	Sequence         string   `json:"sequence"`  // good / temp-bad / final-bad

	Level          int    `json:"level"`                 // 1 + max parent level, genesis 0
	WitnessedLevel int    `json:"witnessed_level"`       // see mainchain.witnessedLevel
	BestParentID   string `json:"best_parent,omitempty"` // single derived parent
	IsFree         bool   `json:"is_free"`               // no child names this unit yet

	MainChainIndex *int64 `json:"main_chain_index"` // nil until some chain unit includes it
	IsOnMainChain  bool   `json:"is_on_main_chain"`
	IsStable       bool   `json:"is_stable"` // monotonic, never reverts
}

// IsGenesis reports whether the unit is the root of the DAG.
func (u *Unit) IsGenesis() bool {
	return len(u.ParentIDs) == 0
}

// CountsForQuorum reports whether the unit may contribute its witness
// authors to a stability quorum.
func (u *Unit) CountsForQuorum() bool {
	return u.Sequence == SeqGood
}

// Mci returns the unit's main chain index, or -1 if it has none yet.
func (u *Unit) Mci() int64 {
	if u.MainChainIndex == nil {
		return -1
	}
	return *u.MainChainIndex
}

// Clone returns a deep copy so callers can hand records across the
// read/write boundary without aliasing.
func (u *Unit) Clone() *Unit {
	c := *u
	c.ParentIDs = append([]string(nil), u.ParentIDs...)
	c.AuthorAddresses = append([]string(nil), u.AuthorAddresses...)
	c.WitnessAddresses = append([]string(nil), u.WitnessAddresses...)
	if u.MainChainIndex != nil {
		mci := *u.MainChainIndex
		c.MainChainIndex = &mci
	}
	return &c
}

// ChainTip is the durable pointer to the current end of the main chain,
// persisted so a restart does not replay the whole DAG.
type ChainTip struct {
	UnitID         string `json:"unit_id"`
	MainChainIndex int64  `json:"main_chain_index"`
	LastStableMci  int64  `json:"last_stable_mci"`
	UpdatedAt      int64  `json:"updated_at"` // unix timestamp in ms
}

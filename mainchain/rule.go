package mainchain

import (
	"fmt"

	"dag-consensus/models"
)

// StabilityRule decides whether the witnessed level accumulated from later
// units is deep enough to finalize a candidate. The exact rule changed
// across protocol versions, so it is keyed by version instead of being
// hard-coded; both historical behaviors remain available over one DAG.
type StabilityRule interface {
	Name() string
	Satisfied(candidate *models.Unit, accumulatedWL int) bool
}

// legacyRule: the accumulated witnessed level must not retreat below the
// candidate's own witnessed level.
type legacyRule struct{}

func (legacyRule) Name() string { return "legacy" }

func (legacyRule) Satisfied(candidate *models.Unit, accumulatedWL int) bool {
	return accumulatedWL >= candidate.WitnessedLevel
}

// strictRule: additionally the accumulated witnessed level must reach the
// candidate's level, i.e. it may not retreat relative to any parent
// (a unit's level exceeds every parent's level).
type strictRule struct{}

func (strictRule) Name() string { return "strict" }

func (strictRule) Satisfied(candidate *models.Unit, accumulatedWL int) bool {
	return accumulatedWL >= candidate.WitnessedLevel && accumulatedWL >= candidate.Level
}

// RuleByName resolves a configured rule name.
func RuleByName(name string) (StabilityRule, error) {
	switch name {
	case "", "legacy":
		return legacyRule{}, nil
	case "strict":
		return strictRule{}, nil
	default:
		return nil, fmt.Errorf("unknown stability rule %q", name)
	}
}

// RuleResolver selects the in-force rule for a candidate by its main chain
// index: candidates at or above the upgrade MCI use the upgraded rule.
// An upgrade MCI below zero means the upgrade never activates.
type RuleResolver struct {
	legacy     StabilityRule
	upgraded   StabilityRule
	upgradeMci int64
}

func NewRuleResolver(upgraded StabilityRule, upgradeMci int64) *RuleResolver {
	return &RuleResolver{legacy: legacyRule{}, upgraded: upgraded, upgradeMci: upgradeMci}
}

// RuleFor returns the rule in force at the given main chain index.
func (r *RuleResolver) RuleFor(mci int64) StabilityRule {
	if r.upgradeMci >= 0 && mci >= r.upgradeMci {
		return r.upgraded
	}
	return r.legacy
}

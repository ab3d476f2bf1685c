// Package policy holds the pure reward rules: the ordered XP thresholds that
// derive a rank from an XP total, and the achievement predicate registry.
// It performs no I/O so award-time evaluation and leaderboard rebuilds cannot
// drift from each other.
package policy

import (
	"fmt"

	"github.com/quest-ledger/internal/domain"
)

// Rank is one tier in the total ordering of XP thresholds.
type Rank struct {
	Name  string `yaml:"name" json:"name"`
	MinXP int64  `yaml:"min_xp" json:"min_xp"`
}

// PredicateKind identifies the aggregate statistic an achievement is
// evaluated against.
type PredicateKind string

const (
	KindQuestsCompleted PredicateKind = "quests_completed"
	KindXPMilestone     PredicateKind = "xp_milestone"
	KindStreakDays      PredicateKind = "streak_days"
)

// AchievementDef is one entry of the achievement registry. BonusXP, if any,
// is granted once, on the first successful unlock insert.
type AchievementDef struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Kind      PredicateKind `yaml:"kind" json:"kind"`
	Threshold int64         `yaml:"threshold" json:"threshold"`
	BonusXP   int64         `yaml:"bonus_xp" json:"bonus_xp"`
}

// Satisfied evaluates the predicate against aggregate account stats.
func (d AchievementDef) Satisfied(stats domain.AccountStats) bool {
	switch d.Kind {
	case KindQuestsCompleted:
		return stats.QuestsCompleted >= d.Threshold
	case KindXPMilestone:
		return stats.XPTotal >= d.Threshold
	case KindStreakDays:
		return int64(stats.CurrentStreak) >= d.Threshold
	default:
		return false
	}
}

// Policy is an immutable, validated reward configuration.
type Policy struct {
	ranks        []Rank
	ordinals     map[string]int
	achievements []AchievementDef
}

// New builds a Policy from an ordered threshold list and an achievement
// registry. The rank list must start at zero XP and be strictly ascending.
func New(ranks []Rank, achievements []AchievementDef) (*Policy, error) {
	if len(ranks) == 0 {
		return nil, fmt.Errorf("policy: at least one rank is required")
	}
	if ranks[0].MinXP != 0 {
		return nil, fmt.Errorf("policy: first rank %q must start at 0 XP, got %d", ranks[0].Name, ranks[0].MinXP)
	}

	ordinals := make(map[string]int, len(ranks))
	for i, r := range ranks {
		if r.Name == "" {
			return nil, fmt.Errorf("policy: rank %d has no name", i)
		}
		if _, dup := ordinals[r.Name]; dup {
			return nil, fmt.Errorf("policy: duplicate rank name %q", r.Name)
		}
		if i > 0 && r.MinXP <= ranks[i-1].MinXP {
			return nil, fmt.Errorf("policy: rank thresholds must be strictly ascending, %q (%d) follows %q (%d)",
				r.Name, r.MinXP, ranks[i-1].Name, ranks[i-1].MinXP)
		}
		ordinals[r.Name] = i
	}

	seen := make(map[string]bool, len(achievements))
	for _, a := range achievements {
		if a.ID == "" {
			return nil, fmt.Errorf("policy: achievement with empty id")
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("policy: duplicate achievement id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Kind {
		case KindQuestsCompleted, KindXPMilestone, KindStreakDays:
		default:
			return nil, fmt.Errorf("policy: achievement %q has unknown kind %q", a.ID, a.Kind)
		}
		if a.Threshold <= 0 {
			return nil, fmt.Errorf("policy: achievement %q needs a positive threshold", a.ID)
		}
		if a.BonusXP < 0 {
			return nil, fmt.Errorf("policy: achievement %q has negative bonus XP", a.ID)
		}
	}

	return &Policy{
		ranks:        append([]Rank(nil), ranks...),
		ordinals:     ordinals,
		achievements: append([]AchievementDef(nil), achievements...),
	}, nil
}

// Default returns the built-in reward policy.
func Default() *Policy {
	p, err := New(DefaultRanks(), DefaultAchievements())
	if err != nil {
		// The built-in tables are validated by tests.
		panic(err)
	}
	return p
}

// DefaultRanks is the built-in rank ladder.
func DefaultRanks() []Rank {
	return []Rank{
		{Name: "Novice", MinXP: 0},
		{Name: "Explorer", MinXP: 1000},
		{Name: "Achiever", MinXP: 5000},
		{Name: "Champion", MinXP: 15000},
		{Name: "Legend", MinXP: 50000},
	}
}

// DefaultAchievements is the built-in achievement registry.
func DefaultAchievements() []AchievementDef {
	return []AchievementDef{
		{ID: "first_quest", Name: "First Steps", Kind: KindQuestsCompleted, Threshold: 1, BonusXP: 25},
		{ID: "quest_veteran", Name: "Quest Veteran", Kind: KindQuestsCompleted, Threshold: 10, BonusXP: 100},
		{ID: "explorer_mark", Name: "Explorer's Mark", Kind: KindXPMilestone, Threshold: 1000, BonusXP: 50},
		{ID: "seasoned_adventurer", Name: "Seasoned Adventurer", Kind: KindXPMilestone, Threshold: 10000, BonusXP: 250},
		{ID: "week_streak", Name: "Week of Dedication", Kind: KindStreakDays, Threshold: 7, BonusXP: 75},
	}
}

// RankFor returns the highest rank whose threshold is at or below xp.
// Negative totals never occur (XP is monotonic) but clamp to the first rank.
func (p *Policy) RankFor(xp int64) Rank {
	current := p.ranks[0]
	for _, r := range p.ranks[1:] {
		if xp < r.MinXP {
			break
		}
		current = r
	}
	return current
}

// RankNameFor returns just the name of the rank for an XP total.
func (p *Policy) RankNameFor(xp int64) string {
	return p.RankFor(xp).Name
}

// Ordinal returns a rank's position in the ladder, or -1 for unknown names.
func (p *Policy) Ordinal(name string) int {
	if i, ok := p.ordinals[name]; ok {
		return i
	}
	return -1
}

// LeveledUp reports whether two rank names differ under the total ordering.
// Comparison is by ordinal, not by name.
func (p *Policy) LeveledUp(oldRank, newRank string) bool {
	return p.Ordinal(oldRank) != p.Ordinal(newRank)
}

// Ranks returns the ordered rank ladder.
func (p *Policy) Ranks() []Rank {
	return append([]Rank(nil), p.ranks...)
}

// Achievements returns the achievement registry.
func (p *Policy) Achievements() []AchievementDef {
	return append([]AchievementDef(nil), p.achievements...)
}

// Eligible returns every achievement whose predicate holds for the given
// stats. Callers filter already-unlocked entries through the idempotent
// unlock insert, not here.
func (p *Policy) Eligible(stats domain.AccountStats) []AchievementDef {
	var out []AchievementDef
	for _, a := range p.achievements {
		if a.Satisfied(stats) {
			out = append(out, a)
		}
	}
	return out
}

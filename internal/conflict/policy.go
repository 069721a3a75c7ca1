package conflict

import (
	"fmt"
)

// Policy parameterizes how conflicts on one entity type are handled
type Policy struct {
	// Strategy resolves update-update conflicts
	Strategy Strategy `json:"strategy"`

	// DeleteStrategy resolves update-delete and delete-update conflicts
	DeleteStrategy Strategy `json:"deleteStrategy"`

	Severity int `json:"severity"`
	Priority int `json:"priority"`

	// AutoResolve=false sends every conflict to manual review
	AutoResolve bool `json:"autoResolve"`

	// AllowUndelete permits the explicit undelete strategy
	AllowUndelete bool `json:"allowUndelete"`
}

// StrategyFor returns the automatic strategy for a conflict type.
// Delete-delete needs no strategy and returns "".
func (p Policy) StrategyFor(t Type) Strategy {
	if t == TypeDeleteDelete {
		return ""
	}
	if !p.AutoResolve {
		return StrategyManual
	}
	if t.InvolvesDelete() {
		if p.DeleteStrategy == "" {
			return StrategyManual
		}
		return p.DeleteStrategy
	}
	if p.Strategy == "" {
		return StrategyLastWriterWins
	}
	return p.Strategy
}

// Validate checks strategy names and hint ranges
func (p Policy) Validate() error {
	switch p.Strategy {
	case "", StrategyServerWins, StrategyClientWins, StrategyLastWriterWins, StrategyManual:
	default:
		return fmt.Errorf("strategy %q cannot resolve update-update conflicts", p.Strategy)
	}
	switch p.DeleteStrategy {
	case "", StrategyServerWins, StrategyLastWriterWins, StrategyManual, StrategyDeleteWins:
	default:
		return fmt.Errorf("delete strategy %q cannot run automatically", p.DeleteStrategy)
	}
	if p.Severity < 1 || p.Severity > 5 {
		return fmt.Errorf("severity %d out of range 1-5", p.Severity)
	}
	if p.Priority < 0 {
		return fmt.Errorf("priority %d must not be negative", p.Priority)
	}
	return nil
}

// Policies maps entity types to policies, either directly or through a
// category shared by several entity types.
type Policies struct {
	Default Policy `json:"default"`

	// Categories holds one policy per category name
	Categories map[string]Policy `json:"categories,omitempty"`

	// EntityCategories assigns entity types to categories
	EntityCategories map[string]string `json:"entityCategories,omitempty"`

	// EntityTypes overrides the category policy for single entity types
	EntityTypes map[string]Policy `json:"entityTypes,omitempty"`
}

// DefaultPolicies resolves content collisions by last-writer-wins and sends
// delete-involving collisions to manual review.
func DefaultPolicies() Policies {
	return Policies{
		Default: Policy{
			Strategy:       StrategyLastWriterWins,
			DeleteStrategy: StrategyManual,
			Severity:       3,
			Priority:       0,
			AutoResolve:    true,
			AllowUndelete:  true,
		},
	}
}

// For returns the effective policy of an entity type
func (ps Policies) For(entityType string) Policy {
	if p, ok := ps.EntityTypes[entityType]; ok {
		return p
	}
	if cat, ok := ps.EntityCategories[entityType]; ok {
		if p, ok := ps.Categories[cat]; ok {
			return p
		}
	}
	return ps.Default
}

// Validate checks every configured policy
func (ps Policies) Validate() error {
	if err := ps.Default.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for name, p := range ps.Categories {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("category %q: %w", name, err)
		}
	}
	for et, cat := range ps.EntityCategories {
		if _, ok := ps.Categories[cat]; !ok {
			return fmt.Errorf("entity type %q references unknown category %q", et, cat)
		}
	}
	for et, p := range ps.EntityTypes {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("entity type %q: %w", et, err)
		}
	}
	return nil
}

// Package access evaluates ordered allow/deny rules over (from, to)
// subject patterns. The empty rule set allows everything; deny rules are
// opt-in guardrails added by the embedding process.
package access

import (
	"sort"
	"sync"

	"github.com/dork-labs/relay/pkg/subject"
	"github.com/dork-labs/relay/pkg/types"
)

// Controller holds the access rule table. Safe for concurrent use.
type Controller struct {
	mu    sync.RWMutex
	rules []types.AccessRule
}

// Decision is the outcome of a rule check.
type Decision struct {
	Allowed     bool
	MatchedRule *types.AccessRule
}

// NewController creates an empty controller (allow-by-default).
func NewController() *Controller {
	return &Controller{}
}

// AddRule inserts or replaces a rule. Rules are deduplicated by
// (From, To); a re-add with the same key replaces the previous rule.
func (c *Controller) AddRule(rule types.AccessRule) error {
	if err := subject.ValidatePattern(rule.From); err != nil {
		return err
	}
	if err := subject.ValidatePattern(rule.To); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.rules {
		if r.From == rule.From && r.To == rule.To {
			c.rules[i] = rule
			c.sortLocked()
			return nil
		}
	}
	c.rules = append(c.rules, rule)
	c.sortLocked()
	return nil
}

// RemoveRule deletes the rule keyed by (from, to). Removing a rule that
// does not exist is a no-op.
func (c *Controller) RemoveRule(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.rules {
		if r.From == from && r.To == to {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return
		}
	}
}

// Check evaluates rules in priority-descending order; the first matching
// rule wins. With no matching rule the result is allow.
func (c *Controller) Check(fromSubject, toSubject string) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.rules {
		r := &c.rules[i]
		if subject.Match(r.From, fromSubject) && subject.Match(r.To, toSubject) {
			matched := *r
			return Decision{Allowed: r.Action == types.RuleAllow, MatchedRule: &matched}
		}
	}
	return Decision{Allowed: true}
}

// ListRules returns a copy of the rule table, priority descending.
func (c *Controller) ListRules() []types.AccessRule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.AccessRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// sortLocked keeps rules in priority-descending evaluation order. Sort is
// stable so equal priorities keep insertion order.
func (c *Controller) sortLocked() {
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].Priority > c.rules[j].Priority
	})
}

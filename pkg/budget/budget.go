// Package budget enforces per-message fan-out limits: hop count, TTL,
// call budget, and cycle detection over the ancestor chain.
package budget

import (
	"time"

	"github.com/dork-labs/relay/pkg/types"
)

// Evaluator checks and advances message budgets at publish hops.
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator creates an evaluator using the wall clock.
func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// NewEvaluatorWithClock creates an evaluator with an injected clock.
func NewEvaluatorWithClock(now func() time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Advance validates the budget for a publish from the given sender and
// returns the advanced copy (hopCount+1, ancestorChain+from,
// callBudget-1). TTL is inherited, never extended. On violation the
// zero budget and a reject reason are returned.
func (e *Evaluator) Advance(b types.Budget, from string) (types.Budget, types.RejectReason) {
	now := e.now().UnixMilli()

	if b.TTL > 0 && now >= b.TTL {
		return types.Budget{}, types.ReasonTTLExpired
	}
	if b.HopCount >= b.MaxHops {
		return types.Budget{}, types.ReasonHopLimit
	}
	if b.CallBudgetRemaining <= 0 {
		return types.Budget{}, types.ReasonBudgetExhausted
	}
	for _, ancestor := range b.AncestorChain {
		if ancestor == from {
			return types.Budget{}, types.ReasonCycleDetected
		}
	}

	chain := make([]string, 0, len(b.AncestorChain)+1)
	chain = append(chain, b.AncestorChain...)
	chain = append(chain, from)

	return types.Budget{
		HopCount:            b.HopCount + 1,
		MaxHops:             b.MaxHops,
		AncestorChain:       chain,
		TTL:                 b.TTL,
		CallBudgetRemaining: b.CallBudgetRemaining - 1,
	}, ""
}

// Default returns the budget applied when a publish supplies none.
func Default(now time.Time) types.Budget {
	return types.Budget{
		MaxHops:             types.DefaultMaxHops,
		AncestorChain:       []string{},
		TTL:                 now.Add(types.DefaultTTL).UnixMilli(),
		CallBudgetRemaining: types.DefaultCallBudget,
	}
}

package fault

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// Weighted pairs an action with its selection weight.
type Weighted struct {
	Weight int
	Action Action
}

// Selector draws one action per invocation with probability weight/total.
// Zero-weight entries are kept but never drawn.
type Selector struct {
	name    string
	choices []Weighted
	total   int
	intN    func(n int) int
	logger  *zap.Logger
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithSelectorName names the selector.
func WithSelectorName(name string) SelectorOption {
	return func(s *Selector) { s.name = name }
}

// WithSelectorLogger sets the logger.
func WithSelectorLogger(logger *zap.Logger) SelectorOption {
	return func(s *Selector) { s.logger = logger }
}

// WithIntN replaces the random source. intN must return a value in [0, n)
// and be safe for concurrent use.
func WithIntN(intN func(n int) int) SelectorOption {
	return func(s *Selector) { s.intN = intN }
}

// PickFault builds a selector over weighted actions.
// Fails with InvalidWeightsError if the list is empty, a weight is negative,
// an action is nil, or the weights sum to zero.
func PickFault(choices []Weighted, opts ...SelectorOption) (*Selector, error) {
	if len(choices) == 0 {
		return nil, &domain.InvalidWeightsError{Reason: "no faults to choose from"}
	}

	total := 0
	for i, c := range choices {
		if c.Action == nil {
			return nil, &domain.InvalidWeightsError{Reason: fmt.Sprintf("entry %d has no action", i)}
		}
		if c.Weight < 0 {
			return nil, &domain.InvalidWeightsError{Reason: fmt.Sprintf("entry %d (%s) has negative weight %d", i, c.Action.Name(), c.Weight)}
		}
		total += c.Weight
	}
	if total == 0 {
		return nil, &domain.InvalidWeightsError{Reason: "all weights are zero"}
	}

	s := &Selector{
		name:    "selector",
		choices: append([]Weighted(nil), choices...),
		total:   total,
		intN:    rand.IntN, // Top-level math/rand/v2 functions are safe for concurrent use
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Selector) Name() string { return s.name }

// TotalWeight returns the sum of all weights.
func (s *Selector) TotalWeight() int { return s.total }

// Pick draws one action. The draw r is uniform in [0, total); the first entry
// whose cumulative weight exceeds r wins.
func (s *Selector) Pick() Action {
	r := s.intN(s.total)
	cum := 0
	for _, c := range s.choices {
		cum += c.Weight
		if r < cum {
			return c.Action
		}
	}
	// Unreachable when intN honours its contract
	return s.choices[len(s.choices)-1].Action
}

// Invoke draws one action and invokes it.
func (s *Selector) Invoke(ctx context.Context) {
	a := s.Pick()
	s.logger.Debug("fault selected",
		zap.String("selector", s.name),
		zap.String("fault", a.Name()))
	a.Invoke(ctx)
}

// Ensure Selector implements Action.
var _ Action = (*Selector)(nil)

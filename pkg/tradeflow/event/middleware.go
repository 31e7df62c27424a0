package event

import (
	"context"
	"fmt"
	"runtime/debug"

	tferrors "github.com/randalmurphal/tradeflow/pkg/tradeflow/errors"
)

// RecoveryMiddleware converts handler panics into permanent errors.
func RecoveryMiddleware() MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt Event) (result []Event, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = tferrors.Permanent(
						fmt.Errorf("handler panic on %s %s: %v\n%s", evt.Type(), evt.ID(), r, debug.Stack()),
						"recovered",
					)
					result = nil
				}
			}()
			return next.Handle(ctx, evt)
		})
	}
}

// CausationMiddleware rejects derived events that do not continue the
// parent's causal chain. A handler that builds events with NewFromParent
// always passes.
func CausationMiddleware() MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt Event) ([]Event, error) {
			result, err := next.Handle(ctx, evt)
			if err != nil {
				return nil, err
			}
			for _, derived := range result {
				if err := CheckCausation(evt, derived); err != nil {
					return nil, tferrors.Permanent(err, "derived event")
				}
			}
			return result, nil
		})
	}
}

// CheckCausation verifies child was derived from parent.
func CheckCausation(parent, child Event) error {
	if child == nil {
		return fmt.Errorf("nil event derived from %s", parent.ID())
	}
	if !child.Type().Valid() {
		return fmt.Errorf("derived event %s: %w", child.ID(), errUnknownType(child.Type()))
	}
	if child.CorrelationID() != parent.CorrelationID() {
		return fmt.Errorf("derived event %s has correlation %q, parent %s has %q",
			child.ID(), child.CorrelationID(), parent.ID(), parent.CorrelationID())
	}
	if child.CausationID() != parent.ID() {
		return fmt.Errorf("derived event %s has causation %q, want parent id %q",
			child.ID(), child.CausationID(), parent.ID())
	}
	if child.ID() == parent.ID() {
		return fmt.Errorf("derived event reuses parent id %s", parent.ID())
	}
	return nil
}

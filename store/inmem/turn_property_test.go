package inmem_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/store/inmem"
)

// TestTurnTerminalIdempotenceProperty checks that for any sequence of
// Complete/Fail calls against one Turn, exactly one of them succeeds (the
// first) and every later call reports false while leaving the Turn's
// terminal state unchanged.
func TestTurnTerminalIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// true == Complete, false == Fail
	properties.Property("exactly one terminal transition wins, regardless of call order", prop.ForAll(
		func(calls []bool) bool {
			ctx := context.Background()
			turns := inmem.NewTurnStore(nil)
			id, err := turns.Create(ctx, "conv-1", store.CallerUser, nil)
			if err != nil {
				return false
			}

			wins := 0
			for _, completeCall := range calls {
				var ok bool
				var err error
				if completeCall {
					ok, err = turns.Complete(ctx, id, nil)
				} else {
					ok, err = turns.Fail(ctx, id, "INTERNAL_ERROR", "boom")
				}
				if err != nil {
					return false
				}
				if ok {
					wins++
				}
			}
			if len(calls) == 0 {
				return wins == 0
			}
			if wins != 1 {
				return false
			}

			got, found, err := turns.Get(ctx, id)
			if err != nil || !found {
				return false
			}
			return got.Status == store.TurnCompleted || got.Status == store.TurnFailed
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

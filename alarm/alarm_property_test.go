package alarm_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/convactor/turnflow/alarm"
)

// TestScheduleEarliestConvergesToMinimumProperty checks that for any sequence
// of candidate deadlines fed through ScheduleEarliest, the armed alarm always
// ends up at the minimum of the sequence, regardless of arrival order.
func TestScheduleEarliestConvergesToMinimumProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("armed deadline equals the minimum of all scheduled candidates", prop.ForAll(
		func(deadlines []int) bool {
			if len(deadlines) == 0 {
				return true
			}
			ctx := context.Background()
			sched := alarm.NewLocal()

			want := int64(deadlines[0])
			for _, d := range deadlines {
				at := int64(d)
				if at < want {
					want = at
				}
				if err := alarm.ScheduleEarliest(ctx, sched, "conv-1", at); err != nil {
					return false
				}
			}

			got, ok, err := sched.GetAlarm(ctx, "conv-1")
			if err != nil || !ok {
				return false
			}
			return got == want
		},
		gen.SliceOf(gen.IntRange(0, 1_000_000)),
	))

	properties.TestingRun(t)
}

// Package alarm implements the single-slot earliest-deadline scheduler
// consumed by the turn engine. At most one deadline is armed per
// conversation at a time. ScheduleEarliest only ever moves it earlier;
// SetAlarm and ClearAlarm overwrite or remove it unconditionally.
package alarm

import "context"

// Scheduler is the narrow contract the turn engine uses to arm and read the
// next wake-up time for one conversation's timeout sweep.
type Scheduler interface {
	// GetAlarm returns the currently armed deadline for key, if any.
	GetAlarm(ctx context.Context, key string) (at int64, ok bool, err error)
	// SetAlarm arms key's deadline to at (unix nanoseconds), unconditionally
	// overwriting any previous value. Callers enforce the earliest-deadline
	// policy before calling this — see ScheduleEarliest.
	SetAlarm(ctx context.Context, key string, at int64) error
	// ClearAlarm removes any armed deadline for key.
	ClearAlarm(ctx context.Context, key string) error
}

// ScheduleEarliest arms a new deadline only if none is set or the new one is
// earlier, implementing the single-slot earliest-deadline policy. The
// authoritative minimum lives in the AsyncOp table; the slot is rebuilt from
// it after a restart.
func ScheduleEarliest(ctx context.Context, s Scheduler, key string, at int64) error {
	current, ok, err := s.GetAlarm(ctx, key)
	if err != nil {
		return err
	}
	if ok && current <= at {
		return nil
	}
	return s.SetAlarm(ctx, key, at)
}

package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/types"
)

func validateTask(t types.ScheduledTask) error {
	var errs []error
	if !t.TaskType.Valid() {
		errs = append(errs, fmt.Errorf("unknown task type %q", t.TaskType))
	}
	if t.EntityType != "" && !t.EntityType.Valid() {
		errs = append(errs, fmt.Errorf("unknown entity type %q", t.EntityType))
	}
	if !t.Priority.Valid() {
		errs = append(errs, fmt.Errorf("unknown priority %q", t.Priority))
	}
	if r := t.Recurring; r != nil {
		if !r.Pattern.Valid() {
			errs = append(errs, fmt.Errorf("unknown recurrence pattern %q", r.Pattern))
		}
		if r.Pattern == types.RecurInterval && r.Interval <= 0 {
			errs = append(errs, errors.New("interval recurrence requires a positive interval"))
		}
		if r.Interval < 0 {
			errs = append(errs, errors.New("recurrence interval must not be negative"))
		}
	}
	return errors.Join(errs...)
}

// step returns the period of a recurrence, or zero if it does not repeat.
func step(r *types.Recurrence) time.Duration {
	if r == nil {
		return 0
	}
	switch r.Pattern {
	case types.RecurInterval:
		return r.Interval.Duration()
	case types.RecurHourly:
		return time.Hour
	case types.RecurDaily:
		return 24 * time.Hour
	case types.RecurWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// NextRun returns the first occurrence of t strictly after `after`,
// stepping from t.ScheduledAt so missed occurrences are skipped rather
// than replayed. It reports false for non-recurring tasks and when the
// next occurrence would fall after the recurrence end date.
func NextRun(t types.ScheduledTask, after time.Time) (time.Time, bool) {
	d := step(t.Recurring)
	if d <= 0 {
		return time.Time{}, false
	}
	next := t.ScheduledAt.Add(d)
	if !next.After(after) {
		n := after.Sub(t.ScheduledAt)/d + 1
		next = t.ScheduledAt.Add(n * d)
	}
	if end := t.Recurring.EndDate; end != nil && next.After(*end) {
		return time.Time{}, false
	}
	return next.UTC().Truncate(time.Millisecond), true
}

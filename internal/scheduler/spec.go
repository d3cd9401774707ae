package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrSkipsMinutes is returned for tick specs that leave some clock minute without a tick.
var ErrSkipsMinutes = errors.New("tick spec skips minutes")

// specParser accepts 5-field, 6-field (with seconds) and descriptor specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec parses spec and checks that it fires at least once in every
// minute of a full week. @every delays must divide one minute evenly.
func ValidateSpec(spec string) error {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("tick spec %q: %w", spec, err)
	}

	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		if every.Delay > time.Minute || time.Minute%every.Delay != 0 {
			return fmt.Errorf("%w: %q: @every must divide 60s", ErrSkipsMinutes, spec)
		}
		return nil
	}

	// Monday, outside any DST transition.
	start := time.Date(2025, time.January, 6, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	cur := start.Add(-time.Nanosecond)
	for minute := start; minute.Before(end); minute = minute.Add(time.Minute) {
		next := sched.Next(cur)
		if next.IsZero() || !next.Before(minute.Add(time.Minute)) {
			return fmt.Errorf("%w: %q: no tick at %s", ErrSkipsMinutes, spec, minute.Format("Mon 15:04"))
		}
		// Jump to the last instant of this minute; further ticks in it are irrelevant.
		cur = minute.Add(time.Minute - time.Nanosecond)
	}
	return nil
}

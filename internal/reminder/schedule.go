// Package reminder implements the durable reminder scheduler.
package reminder

import (
	"fmt"
	"time"

	"github.com/avolkov/assistd/internal/domain"
	"github.com/robfig/cron/v3"
)

// Standard five-field cron syntax, minutes resolution.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// minEvery bounds interval schedules so a typo cannot produce a reminder
// storm.
const minEvery = time.Minute

// ValidateSchedule checks that a schedule descriptor is well formed.
func ValidateSchedule(s domain.Schedule) error {
	switch s.Kind {
	case domain.ScheduleAt:
		if s.At.IsZero() {
			return fmt.Errorf("one-time schedule needs a fire time")
		}
	case domain.ScheduleEvery:
		if s.Every < minEvery {
			return fmt.Errorf("interval schedule must be at least %s, got %s", minEvery, s.Every)
		}
	case domain.ScheduleCron:
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return fmt.Errorf("parse cron expression %q: %w", s.CronExpr, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextAfter returns the next fire time strictly after t. The second
// return is false when the schedule has no further occurrence (a one-time
// schedule whose moment has passed).
func NextAfter(s domain.Schedule, t time.Time) (time.Time, bool) {
	switch s.Kind {
	case domain.ScheduleAt:
		if s.At.After(t) {
			return s.At, true
		}
		return time.Time{}, false
	case domain.ScheduleEvery:
		return t.Add(s.Every), true
	case domain.ScheduleCron:
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(t), true
	default:
		return time.Time{}, false
	}
}

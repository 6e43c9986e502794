package services

import (
	"fmt"
	"time"

	"github.com/huangang/interlock/internal/models"
	"github.com/robfig/cron/v3"
)

// maxWorkdaySkips bounds the search for the next working day so a
// pathological calendar cannot loop forever.
const maxWorkdaySkips = 366

// TriggerEngine computes fire times for scheduled jobs. The math is
// pure: it depends only on the trigger definition and the reference
// time, never on execution outcomes.
type TriggerEngine struct {
	holidays *HolidayService
	country  string
}

// NewTriggerEngine creates an engine using the given holiday calendar
// country for workdays-only triggers. An empty country means plain
// Mon-Fri weekends.
func NewTriggerEngine(holidays *HolidayService, country string) *TriggerEngine {
	if holidays == nil {
		holidays = NewHolidayService()
	}
	return &TriggerEngine{holidays: holidays, country: country}
}

// Validate checks that the job's trigger definition is well-formed.
func (e *TriggerEngine) Validate(job *models.ScheduledJob) error {
	switch job.TriggerKind {
	case models.TriggerCron:
		if _, err := cron.ParseStandard(job.CronExpr); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidTrigger, job.CronExpr, err)
		}
	case models.TriggerInterval:
		if job.IntervalSecs <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidTrigger, job.IntervalSecs)
		}
	case models.TriggerDate:
		if job.RunAt == nil {
			return fmt.Errorf("%w: date trigger requires run_at", ErrInvalidTrigger)
		}
	case models.TriggerDaily:
		if err := validateTimeOfDay(job.AtHour, job.AtMinute); err != nil {
			return err
		}
	case models.TriggerWeekly:
		if err := validateTimeOfDay(job.AtHour, job.AtMinute); err != nil {
			return err
		}
		if job.Weekday < 0 || job.Weekday > 6 {
			return fmt.Errorf("%w: weekday must be 0-6, got %d", ErrInvalidTrigger, job.Weekday)
		}
	case models.TriggerMonthly:
		if err := validateTimeOfDay(job.AtHour, job.AtMinute); err != nil {
			return err
		}
		if job.MonthDay < 1 || job.MonthDay > 31 {
			return fmt.Errorf("%w: month day must be 1-31, got %d", ErrInvalidTrigger, job.MonthDay)
		}
	default:
		return fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidTrigger, job.TriggerKind)
	}
	return nil
}

// Next returns the first fire time strictly after the reference time,
// or nil when the trigger has no further occurrence (a date trigger
// already past).
func (e *TriggerEngine) Next(job *models.ScheduledJob, after time.Time) (*time.Time, error) {
	switch job.TriggerKind {
	case models.TriggerCron:
		sched, err := cron.ParseStandard(job.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidTrigger, job.CronExpr, err)
		}
		next := sched.Next(after)
		return &next, nil

	case models.TriggerInterval:
		if job.IntervalSecs <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidTrigger)
		}
		next := after.Add(time.Duration(job.IntervalSecs) * time.Second)
		return &next, nil

	case models.TriggerDate:
		if job.RunAt == nil {
			return nil, fmt.Errorf("%w: date trigger requires run_at", ErrInvalidTrigger)
		}
		if job.RunAt.After(after) {
			next := *job.RunAt
			return &next, nil
		}
		return nil, nil

	case models.TriggerDaily:
		next := e.nextDaily(job, after)
		return &next, nil

	case models.TriggerWeekly:
		next := e.nextWeekly(job, after)
		return &next, nil

	case models.TriggerMonthly:
		next := e.nextMonthly(job, after)
		return &next, nil
	}
	return nil, fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidTrigger, job.TriggerKind)
}

func (e *TriggerEngine) nextDaily(job *models.ScheduledJob, after time.Time) time.Time {
	candidate := atTimeOfDay(after, job.AtHour, job.AtMinute)
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	if job.WorkdaysOnly {
		for i := 0; i < maxWorkdaySkips && !e.holidays.IsWorkday(candidate, e.country); i++ {
			candidate = candidate.AddDate(0, 0, 1)
		}
	}
	return candidate
}

func (e *TriggerEngine) nextWeekly(job *models.ScheduledJob, after time.Time) time.Time {
	candidate := atTimeOfDay(after, job.AtHour, job.AtMinute)
	ahead := (job.Weekday - int(candidate.Weekday()) + 7) % 7
	candidate = candidate.AddDate(0, 0, ahead)
	if !candidate.After(after) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	// A fixed weekday falling on a holiday pushes the fire a whole week.
	if job.WorkdaysOnly {
		for i := 0; i < maxWorkdaySkips && !e.holidays.IsWorkday(candidate, e.country); i++ {
			candidate = candidate.AddDate(0, 0, 7)
		}
	}
	return candidate
}

// nextMonthly walks month by month; a month without the requested day
// (e.g. the 31st in February) is skipped entirely.
func (e *TriggerEngine) nextMonthly(job *models.ScheduledJob, after time.Time) time.Time {
	year, month, _ := after.Date()
	for i := 0; i < 48; i++ {
		candidate := time.Date(year, month, job.MonthDay, job.AtHour, job.AtMinute, 0, 0, after.Location())
		if candidate.Day() == job.MonthDay && candidate.After(after) {
			return candidate
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	// Unreachable for valid day values; every 1-31 occurs within a year.
	return after.AddDate(0, 1, 0)
}

// atTimeOfDay pins t's date to the given wall-clock time.
func atTimeOfDay(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
}

func validateTimeOfDay(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%w: hour must be 0-23, got %d", ErrInvalidTrigger, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%w: minute must be 0-59, got %d", ErrInvalidTrigger, minute)
	}
	return nil
}

package services

import (
	"errors"
	"testing"
	"time"

	"github.com/huangang/interlock/internal/models"
)

func TestTriggerEngine_Validate(t *testing.T) {
	engine := NewTriggerEngine(NewHolidayService(), "")
	runAt := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		job     models.ScheduledJob
		wantErr bool
	}{
		{
			name: "valid cron",
			job:  models.ScheduledJob{TriggerKind: models.TriggerCron, CronExpr: "0 9 * * 1-5"},
		},
		{
			name:    "malformed cron",
			job:     models.ScheduledJob{TriggerKind: models.TriggerCron, CronExpr: "not a cron"},
			wantErr: true,
		},
		{
			name: "valid interval",
			job:  models.ScheduledJob{TriggerKind: models.TriggerInterval, IntervalSecs: 300},
		},
		{
			name:    "zero interval",
			job:     models.ScheduledJob{TriggerKind: models.TriggerInterval, IntervalSecs: 0},
			wantErr: true,
		},
		{
			name: "valid date",
			job:  models.ScheduledJob{TriggerKind: models.TriggerDate, RunAt: &runAt},
		},
		{
			name:    "date without run_at",
			job:     models.ScheduledJob{TriggerKind: models.TriggerDate},
			wantErr: true,
		},
		{
			name: "valid daily",
			job:  models.ScheduledJob{TriggerKind: models.TriggerDaily, AtHour: 9, AtMinute: 30},
		},
		{
			name:    "daily hour out of range",
			job:     models.ScheduledJob{TriggerKind: models.TriggerDaily, AtHour: 24},
			wantErr: true,
		},
		{
			name:    "weekly weekday out of range",
			job:     models.ScheduledJob{TriggerKind: models.TriggerWeekly, AtHour: 9, Weekday: 7},
			wantErr: true,
		},
		{
			name:    "monthly day out of range",
			job:     models.ScheduledJob{TriggerKind: models.TriggerMonthly, AtHour: 9, MonthDay: 0},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			job:     models.ScheduledJob{TriggerKind: "hourly"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate(&tt.job)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTrigger) {
					t.Errorf("Validate() error = %v, want ErrInvalidTrigger", err)
				}
			} else if err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
		})
	}
}

func TestTriggerEngine_Next(t *testing.T) {
	engine := NewTriggerEngine(NewHolidayService(), "")
	futureRun := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	pastRun := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	at := func(year int, month time.Month, day, hour, minute int) time.Time {
		return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		job   models.ScheduledJob
		after time.Time
		want  *time.Time
	}{
		{
			name:  "cron quarter hour",
			job:   models.ScheduledJob{TriggerKind: models.TriggerCron, CronExpr: "*/15 * * * *"},
			after: at(2026, 3, 2, 10, 7),
			want:  timePtr(at(2026, 3, 2, 10, 15)),
		},
		{
			name:  "interval from reference",
			job:   models.ScheduledJob{TriggerKind: models.TriggerInterval, IntervalSecs: 90},
			after: at(2026, 3, 2, 10, 0),
			want:  timePtr(at(2026, 3, 2, 10, 1).Add(30 * time.Second)),
		},
		{
			name:  "date in the future",
			job:   models.ScheduledJob{TriggerKind: models.TriggerDate, RunAt: &futureRun},
			after: at(2026, 3, 2, 8, 0),
			want:  &futureRun,
		},
		{
			name:  "date already past",
			job:   models.ScheduledJob{TriggerKind: models.TriggerDate, RunAt: &pastRun},
			after: at(2026, 3, 2, 8, 0),
			want:  nil,
		},
		{
			name:  "daily before today's time",
			job:   models.ScheduledJob{TriggerKind: models.TriggerDaily, AtHour: 9, AtMinute: 0},
			after: at(2026, 3, 2, 8, 0),
			want:  timePtr(at(2026, 3, 2, 9, 0)),
		},
		{
			name:  "daily exactly at fire time rolls over",
			job:   models.ScheduledJob{TriggerKind: models.TriggerDaily, AtHour: 9, AtMinute: 0},
			after: at(2026, 3, 2, 9, 0),
			want:  timePtr(at(2026, 3, 3, 9, 0)),
		},
		{
			name:  "weekly later this week",
			job:   models.ScheduledJob{TriggerKind: models.TriggerWeekly, Weekday: 5, AtHour: 8, AtMinute: 30},
			after: at(2026, 3, 4, 10, 0), // Wednesday
			want:  timePtr(at(2026, 3, 6, 8, 30)),
		},
		{
			name:  "weekly same day already past",
			job:   models.ScheduledJob{TriggerKind: models.TriggerWeekly, Weekday: 1, AtHour: 9, AtMinute: 0},
			after: at(2026, 3, 2, 10, 0), // Monday
			want:  timePtr(at(2026, 3, 9, 9, 0)),
		},
		{
			name:  "monthly later this month",
			job:   models.ScheduledJob{TriggerKind: models.TriggerMonthly, MonthDay: 31, AtHour: 9, AtMinute: 0},
			after: at(2026, 1, 15, 8, 0),
			want:  timePtr(at(2026, 1, 31, 9, 0)),
		},
		{
			name:  "monthly skips short february",
			job:   models.ScheduledJob{TriggerKind: models.TriggerMonthly, MonthDay: 31, AtHour: 9, AtMinute: 0},
			after: at(2026, 2, 1, 8, 0),
			want:  timePtr(at(2026, 3, 31, 9, 0)),
		},
		{
			name:  "monthly next month",
			job:   models.ScheduledJob{TriggerKind: models.TriggerMonthly, MonthDay: 10, AtHour: 9, AtMinute: 0},
			after: at(2026, 1, 20, 8, 0),
			want:  timePtr(at(2026, 2, 10, 9, 0)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Next(&tt.job, tt.after)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if tt.want == nil {
				if got != nil {
					t.Errorf("Next() = %v, want nil", got)
				}
				return
			}
			if got == nil || !got.Equal(*tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTriggerEngine_DailyWorkdaysSkipsWeekend(t *testing.T) {
	engine := NewTriggerEngine(NewHolidayService(), "")
	job := &models.ScheduledJob{
		TriggerKind:  models.TriggerDaily,
		AtHour:       9,
		WorkdaysOnly: true,
	}

	// Friday evening: Saturday and Sunday are skipped.
	after := time.Date(2026, 3, 6, 18, 0, 0, 0, time.UTC)
	next, err := engine.Next(job, after)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want Monday %v", next, want)
	}
}

func TestTriggerEngine_WeeklyWorkdaysSkipsHolidayWeek(t *testing.T) {
	engine := NewTriggerEngine(NewHolidayService(), "US")
	job := &models.ScheduledJob{
		TriggerKind:  models.TriggerWeekly,
		Weekday:      4, // Thursday
		AtHour:       9,
		WorkdaysOnly: true,
	}

	// The next Thursday is Thanksgiving; the fire moves a whole week.
	after := time.Date(2026, 11, 20, 8, 0, 0, 0, time.UTC)
	next, err := engine.Next(job, after)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := time.Date(2026, 12, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestTriggerEngine_NextRejectsUnknownKind(t *testing.T) {
	engine := NewTriggerEngine(NewHolidayService(), "")
	job := &models.ScheduledJob{TriggerKind: "hourly"}

	if _, err := engine.Next(job, testEpoch); !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("Next() error = %v, want ErrInvalidTrigger", err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

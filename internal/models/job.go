package models

import "time"

// Trigger kinds supported by scheduled jobs.
const (
	TriggerCron     = "cron"     // standard 5-field cron expression
	TriggerInterval = "interval" // fixed interval from the previous fire
	TriggerDate     = "date"     // one-shot at a point in time
	TriggerDaily    = "daily"    // every day at HH:MM
	TriggerWeekly   = "weekly"   // given weekday at HH:MM
	TriggerMonthly  = "monthly"  // given day of month at HH:MM
)

// Conflict policies governing what a job does when its resource is busy.
const (
	PolicySkip    = "skip"    // record a skipped execution, do nothing
	PolicyQueue   = "queue"   // wait in the lock queue, bounded by max wait
	PolicyReplace = "replace" // run anyway, concurrently with the holder
)

// JobExecution statuses.
const (
	ExecSuccess = "success"
	ExecFailed  = "failed"
	ExecSkipped = "skipped"
)

// ScheduledJob is a recurring or one-off unit of automation against a
// single resource. Trigger fields are flat columns; only the ones for
// the job's TriggerKind are meaningful.
type ScheduledJob struct {
	JobID          string     `gorm:"primaryKey;size:36" json:"job_id"`
	Name           string     `gorm:"size:200;not null" json:"name"`
	ResourceID     string     `gorm:"size:100;index;not null" json:"resource_id"`
	Action         string     `gorm:"size:100;not null" json:"action"`
	Params         string     `gorm:"type:text" json:"params"` // JSON-encoded action parameters
	TriggerKind    string     `gorm:"size:20;not null" json:"trigger_kind"`
	CronExpr       string     `gorm:"size:200" json:"cron_expr"`        // cron
	IntervalSecs   int        `gorm:"default:0" json:"interval_secs"`   // interval
	RunAt          *time.Time `json:"run_at"`                           // date
	AtHour         int        `gorm:"default:0" json:"at_hour"`         // daily/weekly/monthly
	AtMinute       int        `gorm:"default:0" json:"at_minute"`       // daily/weekly/monthly
	Weekday        int        `gorm:"default:0" json:"weekday"`         // weekly, 0=Sunday
	MonthDay       int        `gorm:"default:1" json:"month_day"`       // monthly, 1-31
	WorkdaysOnly   bool       `gorm:"default:false" json:"workdays_only"`
	ConflictPolicy string     `gorm:"size:20;default:skip" json:"conflict_policy"`
	MaxInstances   int        `gorm:"default:1" json:"max_instances"`
	TimeoutSeconds int        `gorm:"default:300" json:"timeout_seconds"` // execution lock/session timeout
	Enabled        bool       `gorm:"default:true" json:"enabled"`
	NextFireTime   *time.Time `gorm:"index" json:"next_fire_time"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (ScheduledJob) TableName() string { return "scheduled_jobs" }

// JobExecution records one firing attempt of a job. Immutable once
// finalized; only finalized executions are persisted.
type JobExecution struct {
	ExecutionID   string     `gorm:"primaryKey;size:36" json:"execution_id"`
	JobID         string     `gorm:"index;size:36;not null" json:"job_id"`
	JobName       string     `gorm:"size:200" json:"job_name"`
	ResourceID    string     `gorm:"size:100" json:"resource_id"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	ActualStart   *time.Time `json:"actual_start"`
	ActualEnd     *time.Time `json:"actual_end"`
	Status        string     `gorm:"size:20;index" json:"status"` // success, failed, skipped
	Error         string     `gorm:"type:text" json:"error"`
	Reason        string     `gorm:"size:255" json:"reason"` // skip reason
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
}

func (JobExecution) TableName() string { return "job_executions" }

// JobFailureEvent is forwarded to alarm sinks when an execution fails.
type JobFailureEvent struct {
	JobID       string    `json:"job_id"`
	JobName     string    `json:"job_name"`
	ResourceID  string    `json:"resource_id"`
	ExecutionID string    `json:"execution_id"`
	Error       string    `json:"error"`
	OccurredAt  time.Time `json:"occurred_at"`
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/interlock/internal/config"
	"github.com/huangang/interlock/internal/metrics"
	"github.com/huangang/interlock/internal/models"
	"github.com/huangang/interlock/pkg/logger"
)

// Equipment executes job actions against a resource. The scheduler
// treats it as opaque: it is invoked only after the conflict check and
// its result is captured, never interpreted.
type Equipment interface {
	Execute(ctx context.Context, resourceID, action string, params map[string]any) (any, error)
}

// EquipmentFunc adapts a function to the Equipment interface.
type EquipmentFunc func(ctx context.Context, resourceID, action string, params map[string]any) (any, error)

func (f EquipmentFunc) Execute(ctx context.Context, resourceID, action string, params map[string]any) (any, error) {
	return f(ctx, resourceID, action, params)
}

// queueWait tracks a queue-policy firing parked in a resource's wait
// queue under its execution session.
type queueWait struct {
	job       models.ScheduledJob
	sessionID string
	scheduled time.Time
	since     time.Time
}

// ConflictScheduler fires due jobs against coordinator-arbitrated
// resources. It is just another client from the coordinator's point of
// view: every execution attempt runs under its own short-lived session
// and never bypasses the lock table.
type ConflictScheduler struct {
	coord     *LockCoordinator
	store     JobStore
	equipment Equipment
	alarms    AlarmSink
	clock     Clock
	triggers  *TriggerEngine

	tick          time.Duration
	maxQueueWait  time.Duration
	retentionDays int

	mu        sync.Mutex
	jobs      map[string]*models.ScheduledJob
	waits     map[string]*queueWait
	inflight  map[string]int
	lastPrune time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	loopMu  sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewConflictScheduler wires the scheduler against the coordinator and
// store. alarms may be nil (failures go to the log); cfg may be nil to
// use defaults.
func NewConflictScheduler(coord *LockCoordinator, store JobStore, equipment Equipment, alarms AlarmSink, clock Clock, cfg *config.SchedulerConfig) *ConflictScheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if alarms == nil {
		alarms = LogSink{}
	}
	if cfg == nil {
		cfg = &config.DefaultConfig().Scheduler
	}

	tick := time.Duration(cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = time.Second
	}
	maxWait := time.Duration(cfg.MaxQueueWaitSeconds) * time.Second
	if maxWait <= 0 {
		maxWait = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConflictScheduler{
		coord:         coord,
		store:         store,
		equipment:     equipment,
		alarms:        alarms,
		clock:         clock,
		triggers:      NewTriggerEngine(NewHolidayService(), cfg.HolidayCountry),
		tick:          tick,
		maxQueueWait:  maxWait,
		retentionDays: cfg.HistoryRetentionDays,
		jobs:          make(map[string]*models.ScheduledJob),
		waits:         make(map[string]*queueWait),
		inflight:      make(map[string]int),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start reloads the enabled jobs, recomputes their fire times from the
// trigger definitions (stored values are ignored so missed intervals
// are not replayed), and launches the tick loop.
func (s *ConflictScheduler) Start() error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.started {
		return nil
	}

	jobs, err := s.store.LoadEnabledJobs()
	if err != nil {
		return fmt.Errorf("load enabled jobs: %w", err)
	}

	now := s.clock.Now()
	s.mu.Lock()
	for i := range jobs {
		job := jobs[i]
		next, err := s.triggers.Next(&job, now)
		if err != nil {
			logger.Errorf("[Scheduler] Job %s (%s) has an invalid trigger, leaving it idle: %v", job.Name, job.JobID, err)
			job.NextFireTime = nil
		} else {
			job.NextFireTime = next
			if next == nil {
				logger.Warnf("[Scheduler] Job %s (%s) has no future occurrence", job.Name, job.JobID)
			}
		}
		s.jobs[job.JobID] = &job
	}
	s.mu.Unlock()

	s.started = true
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Tick(s.clock.Now())
			}
		}
	}()

	logger.Infof("[Scheduler] Started with %d enabled job(s), tick: %v", len(jobs), s.tick)
	return nil
}

// Stop halts the tick loop, aborts in-flight actions through their
// context, and waits for executions to finish recording.
func (s *ConflictScheduler) Stop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if !s.started {
		return
	}
	close(s.stop)
	s.started = false
	s.cancel()
	s.wg.Wait()
	logger.Infof("[Scheduler] Stopped")
}

// Tick runs one scheduler pass at now: outstanding queue waits first,
// then every due job. Any internal failure is contained to this pass.
func (s *ConflictScheduler) Tick(now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[Scheduler] Tick panic recovered: %v", rec)
		}
	}()

	s.processWaits(now)

	for _, fire := range s.collectDue(now) {
		if err := s.store.SaveJob(&fire.job); err != nil {
			logger.Errorf("[Scheduler] Failed to persist job %s: %v", fire.job.JobID, err)
		}
		s.attempt(fire.job, fire.scheduled, now)
	}

	s.pruneHistory(now)
}

type dueFire struct {
	job       models.ScheduledJob
	scheduled time.Time
}

// collectDue advances the fire time of every due job and returns the
// firings to attempt. The advance happens before the attempt, so a
// failing or skipped execution never stalls its own schedule.
func (s *ConflictScheduler) collectDue(now time.Time) []dueFire {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []dueFire
	for _, job := range s.jobs {
		if !job.Enabled || job.NextFireTime == nil || job.NextFireTime.After(now) {
			continue
		}
		scheduled := *job.NextFireTime

		next, err := s.triggers.Next(job, now)
		if err != nil {
			logger.Errorf("[Scheduler] Job %s (%s) trigger failed, disabling: %v", job.Name, job.JobID, err)
			job.Enabled = false
			job.NextFireTime = nil
		} else {
			job.NextFireTime = next
			if job.TriggerKind == models.TriggerDate {
				// One-shot: it fires now and never again.
				job.Enabled = false
			}
		}

		due = append(due, dueFire{job: *job, scheduled: scheduled})
	}
	return due
}

// attempt runs the conflict-policy decision for one firing of a job.
func (s *ConflictScheduler) attempt(job models.ScheduledJob, scheduled, now time.Time) {
	if !s.reserveSlot(job.JobID, job.MaxInstances) {
		s.recordSkip(&job, scheduled, fmt.Sprintf("max_instances limit of %d reached", maxInstances(&job)))
		return
	}

	session := s.coord.CreateSession("scheduler/"+job.Name, job.TimeoutSeconds, map[string]string{"job_id": job.JobID})

	queueIfBusy := job.ConflictPolicy == models.PolicyQueue
	result, err := s.coord.Acquire(job.ResourceID, session.SessionID, models.ModeExclusive, job.TimeoutSeconds, queueIfBusy)
	if err != nil {
		s.coord.EndSession(session.SessionID)

		var busy *BusyError
		if errors.As(err, &busy) && job.ConflictPolicy == models.PolicyReplace {
			// Run concurrently with the holder, without a lock of our
			// own; the exclusive-lock invariant stays intact.
			logger.Infof("[Scheduler] Job %s running alongside current holder of %s (replace policy)", job.Name, job.ResourceID)
			s.launch(job, "", scheduled)
			return
		}

		s.releaseSlot(job.JobID)
		s.recordSkip(&job, scheduled, busyReason(err))
		return
	}

	if result.Granted {
		s.launch(job, session.SessionID, scheduled)
		return
	}

	// Queued: park the firing; ticks poll until the entry is promoted
	// or the wait budget runs out.
	s.mu.Lock()
	if _, exists := s.waits[job.JobID]; exists {
		s.mu.Unlock()
		s.coord.Dequeue(job.ResourceID, session.SessionID)
		s.coord.EndSession(session.SessionID)
		s.releaseSlot(job.JobID)
		s.recordSkip(&job, scheduled, "a previous firing is already waiting in the queue")
		return
	}
	s.waits[job.JobID] = &queueWait{
		job:       job,
		sessionID: session.SessionID,
		scheduled: scheduled,
		since:     now,
	}
	s.mu.Unlock()
	logger.Infof("[Scheduler] Job %s queued for %s at position %d", job.Name, job.ResourceID, result.Entry.Position)
}

// processWaits advances every parked queue-policy firing: run it once
// its entry is promoted, or convert it to a skip once the wait budget
// or its session is gone.
func (s *ConflictScheduler) processWaits(now time.Time) {
	s.mu.Lock()
	waiting := make([]*queueWait, 0, len(s.waits))
	for _, w := range s.waits {
		waiting = append(waiting, w)
	}
	s.mu.Unlock()

	for _, w := range waiting {
		switch {
		case s.coord.CanControl(w.job.ResourceID, w.sessionID):
			s.dropWait(w.job.JobID)
			s.launch(w.job, w.sessionID, w.scheduled)

		case !s.coord.Touch(w.sessionID):
			// The execution session died while queued. Ending it drops
			// the stale queue entry before it can be promoted.
			s.dropWait(w.job.JobID)
			s.coord.EndSession(w.sessionID)
			s.releaseSlot(w.job.JobID)
			s.recordSkip(&w.job, w.scheduled, "execution session expired while queued")

		case now.Sub(w.since) > s.maxQueueWait:
			s.dropWait(w.job.JobID)
			s.coord.Dequeue(w.job.ResourceID, w.sessionID)
			s.coord.EndSession(w.sessionID)
			s.releaseSlot(w.job.JobID)
			s.recordSkip(&w.job, w.scheduled, fmt.Sprintf("queue wait exceeded %v", s.maxQueueWait))
		}
	}
}

func (s *ConflictScheduler) dropWait(jobID string) {
	s.mu.Lock()
	delete(s.waits, jobID)
	s.mu.Unlock()
}

// launch starts one execution in its own goroutine. sessionID is empty
// for a lockless replace-policy run.
func (s *ConflictScheduler) launch(job models.ScheduledJob, sessionID string, scheduled time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseSlot(job.JobID)
		s.runExecution(job, sessionID, scheduled)
	}()
}

// runExecution performs the delegated action, measures it, finalizes
// the execution record and forwards failures to the alarm sink. It
// never lets an action failure escape into the scheduler loop.
func (s *ConflictScheduler) runExecution(job models.ScheduledJob, sessionID string, scheduled time.Time) {
	exec := &models.JobExecution{
		ExecutionID:   uuid.NewString(),
		JobID:         job.JobID,
		JobName:       job.Name,
		ResourceID:    job.ResourceID,
		ScheduledTime: scheduled,
	}

	start := s.clock.Now()
	exec.ActualStart = &start

	err := s.executeAction(&job)

	end := s.clock.Now()
	exec.ActualEnd = &end
	exec.CreatedAt = end

	if sessionID != "" {
		s.coord.EndSession(sessionID)
	}

	if err != nil {
		exec.Status = models.ExecFailed
		exec.Error = err.Error()
		logger.Errorf("[Scheduler] Job %s (%s) failed after %v: %v", job.Name, job.JobID, end.Sub(start), err)
		s.notifyFailure(&job, exec)
	} else {
		exec.Status = models.ExecSuccess
		logger.Infof("[Scheduler] Job %s (%s) completed in %v", job.Name, job.JobID, end.Sub(start))
	}

	s.finalize(exec)
	metrics.JobExecutionDuration.WithLabelValues(job.Name).Observe(end.Sub(start).Seconds())
}

// executeAction invokes the equipment collaborator, converting a panic
// into an ordinary failure.
func (s *ConflictScheduler) executeAction(job *models.ScheduledJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panic: %v", rec)
		}
	}()

	if s.equipment == nil {
		return fmt.Errorf("no equipment backend configured")
	}

	params, err := decodeParams(job.Params)
	if err != nil {
		return err
	}
	_, err = s.equipment.Execute(s.ctx, job.ResourceID, job.Action, params)
	return err
}

// recordSkip finalizes a firing that never ran.
func (s *ConflictScheduler) recordSkip(job *models.ScheduledJob, scheduled time.Time, reason string) {
	now := s.clock.Now()
	exec := &models.JobExecution{
		ExecutionID:   uuid.NewString(),
		JobID:         job.JobID,
		JobName:       job.Name,
		ResourceID:    job.ResourceID,
		ScheduledTime: scheduled,
		Status:        models.ExecSkipped,
		Reason:        reason,
		CreatedAt:     now,
	}
	logger.Infof("[Scheduler] Job %s (%s) skipped: %s", job.Name, job.JobID, reason)
	s.finalize(exec)
}

// finalize persists the execution record. A store failure is logged and
// contained; the schedule has already advanced.
func (s *ConflictScheduler) finalize(exec *models.JobExecution) {
	metrics.JobExecutionsTotal.WithLabelValues(exec.Status).Inc()
	if err := s.store.RecordExecution(exec); err != nil {
		logger.Errorf("[Scheduler] Failed to record execution %s of job %s: %v", exec.ExecutionID, exec.JobID, err)
	}
}

// notifyFailure forwards a failed execution to the alarm sink. Sink
// panics are contained; alarms are fire-and-forget.
func (s *ConflictScheduler) notifyFailure(job *models.ScheduledJob, exec *models.JobExecution) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[Scheduler] Alarm sink panic recovered: %v", rec)
		}
	}()
	s.alarms.Notify(models.JobFailureEvent{
		JobID:       job.JobID,
		JobName:     job.Name,
		ResourceID:  job.ResourceID,
		ExecutionID: exec.ExecutionID,
		Error:       exec.Error,
		OccurredAt:  s.clock.Now(),
	})
}

func (s *ConflictScheduler) reserveSlot(jobID string, max int) bool {
	if max < 1 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[jobID] >= max {
		return false
	}
	s.inflight[jobID]++
	return true
}

func (s *ConflictScheduler) releaseSlot(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[jobID] > 1 {
		s.inflight[jobID]--
	} else {
		delete(s.inflight, jobID)
	}
}

// pruneHistory deletes execution records older than the retention
// window, at most once a day.
func (s *ConflictScheduler) pruneHistory(now time.Time) {
	if s.retentionDays <= 0 {
		return
	}

	s.mu.Lock()
	due := s.lastPrune.IsZero() || now.Sub(s.lastPrune) >= 24*time.Hour
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	cutoff := now.AddDate(0, 0, -s.retentionDays)
	deleted, err := s.store.PruneExecutions(cutoff)
	if err != nil {
		logger.Errorf("[Scheduler] Failed to prune execution history: %v", err)
		return
	}
	if deleted > 0 {
		logger.Infof("[Scheduler] Cleaned up %d execution record(s) older than %d days", deleted, s.retentionDays)
	}
}

// --- Job management ---

// CreateJob validates, persists and registers a new job. Jobs are born
// schedulable; PauseJob is the way to hold one back. The first fire
// time is computed from the trigger definition immediately.
func (s *ConflictScheduler) CreateJob(job *models.ScheduledJob) (*models.ScheduledJob, error) {
	if err := s.validateJob(job); err != nil {
		return nil, err
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	job.Enabled = true

	next, err := s.triggers.Next(job, s.clock.Now())
	if err != nil {
		return nil, err
	}
	job.NextFireTime = next

	if err := s.store.SaveJob(job); err != nil {
		return nil, err
	}

	registered := *job
	s.mu.Lock()
	s.jobs[job.JobID] = &registered
	s.mu.Unlock()

	logger.Infof("[Scheduler] Job %s (%s) created: %s on %s", job.Name, job.JobID, job.TriggerKind, job.ResourceID)
	snapshot := registered
	return &snapshot, nil
}

// UpdateJob replaces a job definition and recomputes its fire time. An
// outstanding queue wait for the job is cancelled; the old definition
// must not run after the update.
func (s *ConflictScheduler) UpdateJob(job *models.ScheduledJob) (*models.ScheduledJob, error) {
	if job.JobID == "" {
		return nil, fmt.Errorf("%w: job_id is required", ErrInvalidArgument)
	}
	existing, err := s.GetJob(job.JobID)
	if err != nil {
		return nil, err
	}
	if err := s.validateJob(job); err != nil {
		return nil, err
	}
	job.CreatedAt = existing.CreatedAt

	next, err := s.triggers.Next(job, s.clock.Now())
	if err != nil {
		return nil, err
	}
	job.NextFireTime = next

	if err := s.store.SaveJob(job); err != nil {
		return nil, err
	}

	s.cancelWait(job.JobID, "job updated before the queued firing ran")

	registered := *job
	s.mu.Lock()
	s.jobs[job.JobID] = &registered
	s.mu.Unlock()

	logger.Infof("[Scheduler] Job %s (%s) updated", job.Name, job.JobID)
	snapshot := registered
	return &snapshot, nil
}

// DeleteJob removes a job definition. Its execution history is kept
// until the retention sweep ages it out.
func (s *ConflictScheduler) DeleteJob(jobID string) error {
	s.cancelWait(jobID, "job deleted before the queued firing ran")

	s.mu.Lock()
	_, known := s.jobs[jobID]
	delete(s.jobs, jobID)
	s.mu.Unlock()

	err := s.store.DeleteJob(jobID)
	if errors.Is(err, ErrNotFound) && known {
		return nil
	}
	if err == nil {
		logger.Infof("[Scheduler] Job %s deleted", jobID)
	}
	return err
}

// PauseJob stops a job from firing until it is resumed. A queued
// firing of the job is cancelled.
func (s *ConflictScheduler) PauseJob(jobID string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}

	job.Enabled = false
	job.NextFireTime = nil
	if err := s.store.SaveJob(job); err != nil {
		return err
	}

	s.cancelWait(jobID, "job paused before the queued firing ran")

	registered := *job
	s.mu.Lock()
	s.jobs[jobID] = &registered
	s.mu.Unlock()

	logger.Infof("[Scheduler] Job %s (%s) paused", job.Name, jobID)
	return nil
}

// ResumeJob re-enables a paused job, computing its next fire time from
// now rather than replaying missed occurrences.
func (s *ConflictScheduler) ResumeJob(jobID string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}

	next, err := s.triggers.Next(job, s.clock.Now())
	if err != nil {
		return err
	}
	job.Enabled = true
	job.NextFireTime = next
	if err := s.store.SaveJob(job); err != nil {
		return err
	}

	registered := *job
	s.mu.Lock()
	s.jobs[jobID] = &registered
	s.mu.Unlock()

	logger.Infof("[Scheduler] Job %s (%s) resumed", job.Name, jobID)
	return nil
}

// RunNow fires the job immediately through the identical conflict
// policy path as a due fire, leaving its schedule untouched. Paused
// jobs can be run this way.
func (s *ConflictScheduler) RunNow(jobID string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	logger.Infof("[Scheduler] Job %s (%s) triggered manually", job.Name, jobID)
	s.attempt(*job, now, now)
	return nil
}

// GetJob returns a copy of the job definition, falling back to the
// store for jobs not registered in memory (e.g. paused before a
// restart).
func (s *ConflictScheduler) GetJob(jobID string) (*models.ScheduledJob, error) {
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		snapshot := *job
		s.mu.Unlock()
		return &snapshot, nil
	}
	s.mu.Unlock()
	return s.store.GetJob(jobID)
}

// ListJobs returns the registered jobs sorted by name.
func (s *ConflictScheduler) ListJobs() []models.ScheduledJob {
	s.mu.Lock()
	jobs := make([]models.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// ListExecutions returns the most recent executions of a job, newest
// first.
func (s *ConflictScheduler) ListExecutions(jobID string, limit int) ([]models.JobExecution, error) {
	return s.store.ListExecutions(jobID, limit)
}

// cancelWait withdraws an outstanding queue wait for the job, if any,
// and records the firing as skipped.
func (s *ConflictScheduler) cancelWait(jobID, reason string) {
	s.mu.Lock()
	w, ok := s.waits[jobID]
	if ok {
		delete(s.waits, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.coord.Dequeue(w.job.ResourceID, w.sessionID)
	s.coord.EndSession(w.sessionID)
	s.releaseSlot(jobID)
	s.recordSkip(&w.job, w.scheduled, reason)
}

func (s *ConflictScheduler) validateJob(job *models.ScheduledJob) error {
	if job.Name == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalidArgument)
	}
	if job.ResourceID == "" {
		return fmt.Errorf("%w: resource_id is required", ErrInvalidArgument)
	}
	if job.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidArgument)
	}
	if job.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidArgument)
	}
	if _, err := decodeParams(job.Params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	switch job.ConflictPolicy {
	case "":
		job.ConflictPolicy = models.PolicySkip
	case models.PolicySkip, models.PolicyQueue, models.PolicyReplace:
	default:
		return fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidArgument, job.ConflictPolicy)
	}

	if job.MaxInstances < 1 {
		job.MaxInstances = 1
	}

	return s.triggers.Validate(job)
}

func maxInstances(job *models.ScheduledJob) int {
	if job.MaxInstances < 1 {
		return 1
	}
	return job.MaxInstances
}

func busyReason(err error) string {
	var busy *BusyError
	if errors.As(err, &busy) {
		return fmt.Sprintf("resource %s is %s-locked by another session", busy.ResourceID, busy.HolderMode)
	}
	return err.Error()
}

func decodeParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid action params: %w", err)
	}
	return params, nil
}

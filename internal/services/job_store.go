package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/huangang/interlock/internal/models"
	"gorm.io/gorm"
)

// JobStore persists job definitions and execution records so the
// schedule survives process restarts.
type JobStore interface {
	SaveJob(job *models.ScheduledJob) error
	GetJob(jobID string) (*models.ScheduledJob, error)
	DeleteJob(jobID string) error
	LoadEnabledJobs() ([]models.ScheduledJob, error)
	RecordExecution(exec *models.JobExecution) error
	ListExecutions(jobID string, limit int) ([]models.JobExecution, error)
	PruneExecutions(before time.Time) (int64, error)
}

// GormJobStore is the database-backed JobStore.
type GormJobStore struct {
	db *gorm.DB
}

func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

// SaveJob inserts or updates a job definition.
func (s *GormJobStore) SaveJob(job *models.ScheduledJob) error {
	return s.db.Save(job).Error
}

// GetJob loads one job by id.
func (s *GormJobStore) GetJob(jobID string) (*models.ScheduledJob, error) {
	var job models.ScheduledJob
	if err := s.db.Where("job_id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	return &job, nil
}

// DeleteJob removes a job definition. Deleting an unknown job returns
// ErrNotFound.
func (s *GormJobStore) DeleteJob(jobID string) error {
	result := s.db.Where("job_id = ?", jobID).Delete(&models.ScheduledJob{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return nil
}

// LoadEnabledJobs returns every enabled job definition.
func (s *GormJobStore) LoadEnabledJobs() ([]models.ScheduledJob, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Where("enabled = ?", true).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// RecordExecution persists one finalized execution record.
func (s *GormJobStore) RecordExecution(exec *models.JobExecution) error {
	return s.db.Create(exec).Error
}

// ListExecutions returns the most recent executions of a job, newest
// first.
func (s *GormJobStore) ListExecutions(jobID string, limit int) ([]models.JobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var execs []models.JobExecution
	err := s.db.Where("job_id = ?", jobID).
		Order("created_at DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, err
	}
	return execs, nil
}

// PruneExecutions deletes execution records created before the cutoff.
// Returns the number of deleted records.
func (s *GormJobStore) PruneExecutions(before time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", before).Delete(&models.JobExecution{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

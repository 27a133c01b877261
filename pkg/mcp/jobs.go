package mcp

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a crawl job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Job represents a background crawl of one configured site
type Job struct {
	ID             string         `json:"id"`
	SiteKey        string         `json:"site_key"`
	SeedURL        string         `json:"seed_url"`
	Status         JobStatus      `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
	PagesProcessed int64          `json:"pages_processed"`
	CrawlID        string         `json:"crawl_id,omitempty"`
	OutputDir      string         `json:"output_dir,omitempty"`
	Outcomes       map[string]int `json:"outcomes,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`

	// Internal fields
	ctx    context.Context
	cancel context.CancelFunc
}

// JobManager manages background crawl jobs
type JobManager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	bysite map[string]string // siteKey -> jobID for active jobs
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		bysite: make(map[string]string),
	}
}

// CreateJob creates a new job for a site.
// If the site already has a pending or running job, that job is returned with created=false.
func (m *JobManager) CreateJob(siteKey, seedURL string) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingJobID, exists := m.bysite[siteKey]; exists {
		if existing := m.jobs[existingJobID]; existing != nil && existing.Status.active() {
			return existing.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job = &Job{
		ID:        uuid.New().String(),
		SiteKey:   siteKey,
		SeedURL:   seedURL,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.jobs[job.ID] = job
	m.bysite[siteKey] = job.ID

	return job.snapshot(), true
}

// snapshot copies the exported fields so callers never race with progress updates
func (j *Job) snapshot() *Job {
	cp := *j
	cp.Outcomes = maps.Clone(j.Outcomes)
	return &cp
}

// GetJob retrieves a copy of a job by ID, nil if unknown
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		return job.snapshot()
	}
	return nil
}

// GetJobBySite retrieves the active job for a site, nil if none
func (m *JobManager) GetJobBySite(siteKey string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.bysite[siteKey]; exists {
		if job := m.jobs[jobID]; job != nil {
			return job.snapshot()
		}
	}
	return nil
}

// IsRunning checks if a job is pending or running for a site
func (m *JobManager) IsRunning(siteKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.bysite[siteKey]; exists {
		job := m.jobs[jobID]
		return job != nil && job.Status.active()
	}
	return false
}

// UpdateStatus updates the status of a job. A cancelled job keeps its status.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || job.Status == JobStatusCancelled {
		return
	}
	job.Status = status
	if !status.active() {
		job.CompletedAt = time.Now()
		job.cancel()
		delete(m.bysite, job.SiteKey)
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// IncrementProgress counts one more page recorded by the job's crawl
func (m *JobManager) IncrementProgress(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists {
		job.PagesProcessed++
	}
}

// SetResult records where a finished crawl's output went and how its pages ended
func (m *JobManager) SetResult(jobID, crawlID, outputDir string, outcomes map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists {
		job.CrawlID = crawlID
		job.OutputDir = outputDir
		job.Outcomes = maps.Clone(outcomes)
	}
}

// CancelJob cancels a pending or running job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists && job.Status.active() {
		job.cancel()
		job.Status = JobStatusCancelled
		job.CompletedAt = time.Now()
		delete(m.bysite, job.SiteKey)
		return true
	}
	return false
}

// CancelAll cancels all active jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.Status.active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.bysite = make(map[string]string)
}

// ListJobs returns copies of all jobs, oldest first
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })
	return jobs
}

// GetContext returns the context a job's crawl runs under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}

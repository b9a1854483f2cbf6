// Package api provides HTTP handlers for the slide tile server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/slide-tiles/server/internal/exportstore"
)

// ErrShuttingDown is returned by Submit once Stop has been called.
var ErrShuttingDown = errors.New("job manager is shutting down")

// ExportJobManagerConfig contains configuration for the export job manager.
type ExportJobManagerConfig struct {
	MaxConcurrent int // max concurrent exports (default 1)
	RetentionDays int // days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// ExportJobManager queues export jobs and runs them on a fixed set of
// workers, with SQLite persistence. The store is shared with the executor
// and owned by the caller; Stop does not close it. Jobs still queued at
// shutdown stay queued in the store and are re-queued on the next Start.
type ExportJobManager struct {
	cfg      ExportJobManagerConfig
	store    *exportstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor runs one job to completion. Wired to ExportService.Execute.
	Executor func(ctx context.Context, job *exportstore.Job) error
	// Cleanup removes expired jobs and their output files. Wired to
	// ExportService.RemoveExpired; nil disables the cleanup ticker's work.
	Cleanup func(retentionDays int) (int, error)
}

// NewExportJobManager creates a job manager over a shared store.
func NewExportJobManager(store *exportstore.Store, cfg ExportJobManagerConfig) *ExportJobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	return &ExportJobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, 100),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *ExportJobManager) Store() *exportstore.Store {
	return jm.store
}

// Start launches the workers and the cleanup ticker, after recovering from
// the previous shutdown: jobs left running are marked failed, jobs left
// queued go back on the queue.
func (jm *ExportJobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[ExportJobs] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[ExportJobs] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[ExportJobs] re-queued job %s", job.ID)
			default:
				log.Printf("[ExportJobs] queue full, cannot re-queue job %s", job.ID)
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop stops the workers. A job in flight finishes its current run; jobs
// still queued stay in the store for the next Start to pick up.
func (jm *ExportJobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.wg.Wait()
	})
}

func (jm *ExportJobManager) worker() {
	defer jm.wg.Done()
	for {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		select {
		case <-jm.stopCh:
			return
		case jobID := <-jm.queue:
			jm.runJob(jobID)
		}
	}
}

func (jm *ExportJobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[ExportJobs] job %s vanished before start: %v", jobID, err)
		return
	}
	if job.Status != exportstore.JobStatusQueued {
		// Cancelled while waiting in the queue.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()
	defer func() {
		cancel()
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[ExportJobs] failed to update job %s as started: %v", jobID, err)
		return
	}

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, job)
	}

	switch {
	case ctx.Err() == context.Canceled:
		jm.store.UpdateJobStatus(jobID, exportstore.JobStatusCancelled, "cancelled by user")
		log.Printf("[ExportJobs] job %s cancelled after %v", jobID, time.Since(start).Round(time.Millisecond))
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, exportstore.JobStatusFailed, execErr.Error())
		log.Printf("[ExportJobs] job %s failed: %v", jobID, execErr)
	default:
		jm.store.UpdateJobStatus(jobID, exportstore.JobStatusCompleted, "")
		log.Printf("[ExportJobs] job %s completed in %v", jobID, time.Since(start).Round(time.Millisecond))
	}
}

func (jm *ExportJobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *ExportJobManager) cleanup() {
	if jm.Cleanup == nil {
		return
	}
	deleted, err := jm.Cleanup(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[ExportJobs] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[ExportJobs] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *ExportJobManager) Submit(params exportstore.Params) (*exportstore.Job, error) {
	id := generateJobID()
	job := &exportstore.Job{
		ID:        id,
		SlideID:   params.SlideID,
		Status:    exportstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case <-jm.stopCh:
		jm.store.UpdateJobStatus(id, exportstore.JobStatusFailed, ErrShuttingDown.Error())
		return nil, ErrShuttingDown
	case jm.queue <- id:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(id, exportstore.JobStatusFailed, "job queue is full; try again later")
		job.Status = exportstore.JobStatusFailed
		job.Error = "job queue is full; try again later"
	}

	return job, nil
}

// Get returns a job by ID, or nil when it does not exist.
func (jm *ExportJobManager) Get(id string) *exportstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[ExportJobs] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *ExportJobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// Not running; a queued job can still be marked cancelled in the store.
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == exportstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, exportstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete removes a job together with its output file.
func (jm *ExportJobManager) Delete(id string) error {
	job, err := jm.store.GetJob(id)
	if err != nil {
		return err
	}
	if job != nil && job.OutputPath != "" {
		if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
			log.Printf("[ExportJobs] failed to remove %s: %v", job.OutputPath, err)
		}
	}
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

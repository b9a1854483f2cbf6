package exportstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "exports.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func queuedJob(id string, created time.Time) *Job {
	return &Job{
		ID:      id,
		SlideID: "case-7",
		Status:  JobStatusQueued,
		Params: Params{
			SlideID: "case-7",
			Level:   1,
			X:       1024,
			Y:       2048,
			W:       4096,
			H:       4096,
		},
		CreatedAt: created,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	created := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateJob(queuedJob("job-1", created)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil for an existing job")
	}
	if got.Status != JobStatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.Params != (Params{SlideID: "case-7", Level: 1, X: 1024, Y: 2048, W: 4096, H: 4096}) {
		t.Errorf("params round trip mismatch: %+v", got.Params)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("fresh job has started_at=%v finished_at=%v, want nil", got.StartedAt, got.FinishedAt)
	}

	missing, err := s.GetJob("no-such-job")
	if err != nil {
		t.Fatalf("GetJob missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing job = %+v, want nil", missing)
	}
}

func TestJobLifecycleUpdates(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(queuedJob("job-1", time.Now().UTC())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.UpdateJobStarted("job-1"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}
	job, _ := s.GetJob("job-1")
	if job.Status != JobStatusRunning || job.StartedAt == nil {
		t.Fatalf("after start: status=%q started_at=%v", job.Status, job.StartedAt)
	}

	if err := s.UpdateJobProgress("job-1", "compositing", 12, 64); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	if err := s.UpdateJobResult("job-1", "/tmp/out/job-1.png", 4096, 4096); err != nil {
		t.Fatalf("UpdateJobResult: %v", err)
	}
	if err := s.UpdateJobStatus("job-1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	job, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Progress != (Progress{Phase: "compositing", Done: 12, Total: 64}) {
		t.Errorf("progress = %+v", job.Progress)
	}
	if job.OutputPath != "/tmp/out/job-1.png" || job.Width != 4096 || job.Height != 4096 {
		t.Errorf("result = %q %dx%d", job.OutputPath, job.Width, job.Height)
	}
	if job.Status != JobStatusCompleted || job.FinishedAt == nil {
		t.Errorf("after completion: status=%q finished_at=%v", job.Status, job.FinishedAt)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second).Add(-time.Minute)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateJob(queuedJob(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("CreateJob(%s): %v", id, err)
		}
	}

	jobs, err := s.ListJobs(2)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		ids := []string{}
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		t.Errorf("ListJobs(2) = %v, want [c b]", ids)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil {
		t.Fatalf("ListQueuedJobs: %v", err)
	}
	if len(queued) != 3 || queued[0].ID != "a" {
		t.Errorf("queued jobs = %d starting with %q, want 3 starting with a", len(queued), queued[0].ID)
	}
}

func TestMarkRunningAsFailed(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"stuck", "waiting"} {
		if err := s.CreateJob(queuedJob(id, now)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := s.UpdateJobStarted("stuck"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}

	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed: %v", err)
	}

	stuck, _ := s.GetJob("stuck")
	if stuck.Status != JobStatusFailed || stuck.Error != "server restarted" || stuck.FinishedAt == nil {
		t.Errorf("stuck job = %q error=%q finished_at=%v", stuck.Status, stuck.Error, stuck.FinishedAt)
	}
	waiting, _ := s.GetJob("waiting")
	if waiting.Status != JobStatusQueued {
		t.Errorf("queued job flipped to %q", waiting.Status)
	}
}

func TestDeleteExpiredJobs(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"old", "fresh"} {
		if err := s.CreateJob(queuedJob(id, now)); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if err := s.UpdateJobResult(id, "/tmp/out/"+id+".png", 100, 100); err != nil {
			t.Fatalf("UpdateJobResult: %v", err)
		}
		if err := s.UpdateJobStatus(id, JobStatusCompleted, ""); err != nil {
			t.Fatalf("UpdateJobStatus: %v", err)
		}
	}
	// Age one job past the retention window.
	old := now.AddDate(0, 0, -10).Format(time.RFC3339)
	if _, err := s.db.Exec("UPDATE export_jobs SET finished_at = ? WHERE job_id = ?", old, "old"); err != nil {
		t.Fatalf("age job: %v", err)
	}

	paths, err := s.DeleteExpiredJobs(7)
	if err != nil {
		t.Fatalf("DeleteExpiredJobs: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/tmp/out/old.png" {
		t.Errorf("expired paths = %v, want the old job's output", paths)
	}
	if job, _ := s.GetJob("old"); job != nil {
		t.Errorf("expired job still present: %+v", job)
	}
	if job, _ := s.GetJob("fresh"); job == nil {
		t.Error("fresh job deleted by retention")
	}
}

func TestDeleteJob(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(queuedJob("gone", time.Now().UTC())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.DeleteJob("gone"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if job, _ := s.GetJob("gone"); job != nil {
		t.Errorf("deleted job still present: %+v", job)
	}
}

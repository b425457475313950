package queue_test

import (
	"path/filepath"
	"testing"
	"time"

	"verity/internal/queue"
)

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.OpenPath(t.Context(), filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewVideoAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/interview.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	if job.ID == 0 {
		t.Fatal("expected assigned job id")
	}
	if job.Status != queue.StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if job.Title != "interview" {
		t.Fatalf("expected title derived from file name, got %q", job.Title)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched == nil || fetched.SourcePath != "/videos/interview.mp4" {
		t.Fatalf("unexpected fetch result: %+v", fetched)
	}
	if fetched.FrameCount != 16 {
		t.Fatalf("expected frame_count 16, got %d", fetched.FrameCount)
	}
}

func TestGetByIDMissing(t *testing.T) {
	store := openTestStore(t)
	job, err := store.GetByID(t.Context(), 42)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil for missing job, got %+v", job)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/clip.mp4", 8)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	job.Status = queue.StatusSampling
	job.SampledFrames = 8
	job.SetProgress("sampling", "extracting frames", 25)
	job.ResultJSON = `{"probability":0.8}`
	heartbeat := time.Now().UTC()
	job.LastHeartbeat = &heartbeat

	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched.Status != queue.StatusSampling {
		t.Fatalf("status not persisted: %s", fetched.Status)
	}
	if fetched.ProgressStage != "sampling" || fetched.ProgressPercent != 25 {
		t.Fatalf("progress not persisted: %+v", fetched)
	}
	if fetched.ResultJSON != `{"probability":0.8}` {
		t.Fatalf("result_json not persisted: %q", fetched.ResultJSON)
	}
	if fetched.LastHeartbeat == nil {
		t.Fatal("heartbeat not persisted")
	}
}

func TestNextForStatusesClaimsOldest(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	first, err := store.NewVideo(ctx, "/videos/a.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	if _, err := store.NewVideo(ctx, "/videos/b.mp4", 16); err != nil {
		t.Fatalf("NewVideo: %v", err)
	}

	claimed, err := store.NextForStatuses(ctx, queue.StatusPending)
	if err != nil {
		t.Fatalf("NextForStatuses: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected oldest job %d, got %+v", first.ID, claimed)
	}
	if claimed.LastHeartbeat == nil {
		t.Fatal("claim should stamp heartbeat")
	}

	none, err := store.NextForStatuses(ctx, queue.StatusFusing)
	if err != nil {
		t.Fatalf("NextForStatuses: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no fusing jobs, got %+v", none)
	}
}

func TestReclaimStaleProcessing(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/stale.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	job.Status = queue.StatusInferring
	stale := time.Now().UTC().Add(-10 * time.Minute)
	job.LastHeartbeat = &stale
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reclaimed, err := store.ReclaimStaleProcessing(ctx, time.Now().UTC().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleProcessing: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", reclaimed)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched.Status != queue.StatusSampled {
		t.Fatalf("inferring job should rewind to sampled, got %s", fetched.Status)
	}
	if fetched.LastHeartbeat != nil {
		t.Fatal("heartbeat should be cleared on reclaim")
	}
}

func TestReclaimSkipsFreshHeartbeats(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/fresh.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	job.Status = queue.StatusSampling
	fresh := time.Now().UTC()
	job.LastHeartbeat = &fresh
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reclaimed, err := store.ReclaimStaleProcessing(ctx, time.Now().UTC().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleProcessing: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected no reclaimed jobs, got %d", reclaimed)
	}
}

func TestResetStuckProcessing(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/stuck.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	job.Status = queue.StatusFusing
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reset, err := store.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("ResetStuckProcessing: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset job, got %d", reset)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched.Status != queue.StatusInferred {
		t.Fatalf("fusing job should rewind to inferred, got %s", fetched.Status)
	}
}

func TestRetryFailed(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/bad.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	job.SetFailed("decode error")
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	retried, err := store.RetryFailed(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected 1 retried job, got %d", retried)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched.Status != queue.StatusPending {
		t.Fatalf("retried job should be pending, got %s", fetched.Status)
	}
	if fetched.ErrorMessage != "" {
		t.Fatalf("error message should be cleared, got %q", fetched.ErrorMessage)
	}
}

func TestFailProcessing(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/running.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	job.Status = queue.StatusInferring
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	failed, err := store.FailProcessing(ctx, queue.DaemonStopReason)
	if err != nil {
		t.Fatalf("FailProcessing: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed job, got %d", failed)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched.Status != queue.StatusFailed || fetched.ErrorMessage != queue.DaemonStopReason {
		t.Fatalf("unexpected job after FailProcessing: %+v", fetched)
	}
}

func TestStatsAndHealth(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	for range 3 {
		if _, err := store.NewVideo(ctx, "/videos/p.mp4", 16); err != nil {
			t.Fatalf("NewVideo: %v", err)
		}
	}
	done, err := store.NewVideo(ctx, "/videos/done.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	done.Status = queue.StatusCompleted
	if err := store.Update(ctx, done); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[queue.StatusPending] != 3 || stats[queue.StatusCompleted] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 4 || health.Pending != 3 || health.Completed != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestRemoveRefusesProcessing(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	job, err := store.NewVideo(ctx, "/videos/busy.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	job.Status = queue.StatusSampling
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Remove(ctx, job.ID); err == nil {
		t.Fatal("expected Remove to refuse a processing job")
	}

	job.Status = queue.StatusCompleted
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Remove(ctx, job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestClearSkipsProcessing(t *testing.T) {
	store := openTestStore(t)
	ctx := t.Context()

	running, err := store.NewVideo(ctx, "/videos/run.mp4", 16)
	if err != nil {
		t.Fatalf("NewVideo: %v", err)
	}
	running.Status = queue.StatusFusing
	if err := store.Update(ctx, running); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := store.NewVideo(ctx, "/videos/idle.mp4", 16); err != nil {
		t.Fatalf("NewVideo: %v", err)
	}

	cleared, err := store.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared job, got %d", cleared)
	}

	remaining, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != running.ID {
		t.Fatalf("processing job should survive Clear: %+v", remaining)
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := queue.ParseStatus(" Inferring "); !ok || status != queue.StatusInferring {
		t.Fatalf("ParseStatus normalization failed: %s %v", status, ok)
	}
	if _, ok := queue.ParseStatus("bogus"); ok {
		t.Fatal("ParseStatus should reject unknown values")
	}
}

package main

import (
	"context"
	"strings"
	"testing"

	"verity/internal/queue"
)

func TestQueueStatusAndList(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	if _, err := env.store.NewVideo(ctx, "/videos/alpha.mp4", 16); err != nil {
		t.Fatalf("alpha: %v", err)
	}

	beta, err := env.store.NewVideo(ctx, "/videos/beta.mp4", 16)
	if err != nil {
		t.Fatalf("beta: %v", err)
	}
	beta.SetFailed("no video stream")
	if err := env.store.Update(ctx, beta); err != nil {
		t.Fatalf("fail beta: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "Pending")
	requireContains(t, out, "Failed")

	out, _, err = runCLI(t, []string{"queue", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "alpha")
	requireContains(t, out, "beta")

	out, _, err = runCLI(t, []string{"queue", "list", "--status", "failed"}, env.configPath)
	if err != nil {
		t.Fatalf("queue list --status failed: %v", err)
	}
	requireContains(t, out, "beta")
	if len(out) == 0 || containsLine(out, "alpha") {
		t.Fatalf("filtered list should omit pending items:\n%s", out)
	}
}

func TestQueueRetryAndClear(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	job, err := env.store.NewVideo(ctx, "/videos/clip.mp4", 16)
	if err != nil {
		t.Fatalf("new video: %v", err)
	}
	job.SetFailed("scorer crashed")
	if err := env.store.Update(ctx, job); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "retry"}, env.configPath)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	requireContains(t, out, "Retried 1 failed items")

	updated, err := env.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if updated.Status != queue.StatusPending {
		t.Fatalf("expected pending after retry, got %s", updated.Status)
	}

	updated.SetFailed("scorer crashed again")
	if err := env.store.Update(ctx, updated); err != nil {
		t.Fatalf("re-fail: %v", err)
	}

	out, _, err = runCLI(t, []string{"queue", "clear", "--failed"}, env.configPath)
	if err != nil {
		t.Fatalf("queue clear --failed: %v", err)
	}
	requireContains(t, out, "Cleared 1 failed items")

	out, _, err = runCLI(t, []string{"queue", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "Queue is empty")
}

func TestQueueRemove(t *testing.T) {
	env := setupCLITestEnv(t)
	ctx := context.Background()

	job, err := env.store.NewVideo(ctx, "/videos/clip.mp4", 16)
	if err != nil {
		t.Fatalf("new video: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "remove", "1"}, env.configPath)
	if err != nil {
		t.Fatalf("queue remove: %v", err)
	}
	requireContains(t, out, "Removed job 1")

	remaining, err := env.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if remaining != nil {
		t.Fatalf("job should be gone, got %+v", remaining)
	}
}

func containsLine(output, needle string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, needle) {
			return true
		}
	}
	return false
}

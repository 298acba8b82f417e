package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := &now
	q := NewWithClient(client, WithClock(func() time.Time { return *clock }))
	return q, mr, clock
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "u1:birthday:2024-06-01", RecipientID: "u1", TraceID: "t1"}
	created, err := q.Enqueue(ctx, job, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !created {
		t.Fatal("expected job to be created")
	}

	got, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil {
		t.Fatal("expected a claimed job")
	}
	if got.ID != job.ID || got.RecipientID != "u1" || got.TraceID != "t1" {
		t.Errorf("claimed job = %+v", got)
	}

	if err := q.Complete(ctx, got.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	exists, err := q.Exists(ctx, job.ID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("completed job should not exist")
	}
}

func TestEnqueueDuplicateCollapses(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "u1:birthday:2024-06-01", RecipientID: "u1"}
	if created, _ := q.Enqueue(ctx, job, 0); !created {
		t.Fatal("first enqueue should create")
	}
	created, err := q.Enqueue(ctx, job, 0)
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if created {
		t.Error("duplicate enqueue should not create")
	}

	// Only one job should come out.
	if j, _ := q.Claim(ctx); j == nil {
		t.Fatal("expected one job")
	}
	if err := q.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if j, _ := q.Claim(ctx); j != nil {
		t.Errorf("expected empty queue, got %+v", j)
	}
}

func TestDelayedJobNotClaimableUntilDue(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "u1:birthday:2024-06-01", RecipientID: "u1"}
	if _, err := q.Enqueue(ctx, job, 30*time.Second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if j, err := q.Claim(ctx); err != nil || j != nil {
		t.Fatalf("Claim before due = (%+v, %v), want (nil, nil)", j, err)
	}

	*clock = clock.Add(31 * time.Second)
	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim after due: %v", err)
	}
	if j == nil || j.ID != job.ID {
		t.Fatalf("Claim after due = %+v", j)
	}
}

func TestRetryBacksOffAndIncrementsAttempts(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "u1:birthday:2024-06-01", RecipientID: "u1"}
	if _, err := q.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, _ := q.Claim(ctx)
	if claimed == nil {
		t.Fatal("expected claimed job")
	}

	retried, err := q.Retry(ctx, *claimed)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", retried.Attempts)
	}

	// First retry waits the base delay.
	*clock = clock.Add(time.Second)
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatalf("job claimable before backoff elapsed: %+v", j)
	}
	*clock = clock.Add(2 * time.Second)
	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim after backoff: %v", err)
	}
	if j == nil || j.Attempts != 1 {
		t.Fatalf("Claim after backoff = %+v", j)
	}
}

func TestBackoffDelayDoubles(t *testing.T) {
	q, _, _ := newTestQueue(t)
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second,
	}
	for i, w := range want {
		if got := q.BackoffDelay(i + 1); got != w {
			t.Errorf("BackoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	// Capped past the shift bound.
	if got := q.BackoffDelay(10); got != 64*time.Second {
		t.Errorf("BackoffDelay(10) = %v, want 64s", got)
	}
}

func TestRemoveCancelsQueuedJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "u1:birthday:2024-06-01", RecipientID: "u1"}
	if _, err := q.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Remove(ctx, job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if j, _ := q.Claim(ctx); j != nil {
		t.Errorf("removed job still claimable: %+v", j)
	}
	exists, _ := q.Exists(ctx, job.ID)
	if exists {
		t.Error("removed job should not exist")
	}

	// Removing an unknown id is a no-op.
	if err := q.Remove(ctx, "missing"); err != nil {
		t.Errorf("Remove missing: %v", err)
	}
}

func TestRemoveDelayedJob(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "u1:birthday:2024-06-01", RecipientID: "u1"}
	if _, err := q.Enqueue(ctx, job, time.Minute); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Remove(ctx, job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	*clock = clock.Add(2 * time.Minute)
	if j, _ := q.Claim(ctx); j != nil {
		t.Errorf("removed delayed job still claimable: %+v", j)
	}
}

func TestFailRetainsRecord(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "u1:birthday:2024-06-01", RecipientID: "u1", Attempts: 5}
	if _, err := q.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, _ := q.Claim(ctx)
	if claimed == nil {
		t.Fatal("expected claimed job")
	}

	if err := q.Fail(ctx, *claimed, "recipient unavailable"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	exists, _ := q.Exists(ctx, job.ID)
	if exists {
		t.Error("failed job should no longer be live")
	}

	record, err := q.Failed(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed: %v", err)
	}
	if record == nil {
		t.Fatal("expected a retained failure record")
	}
	if record.Reason != "recipient unavailable" {
		t.Errorf("Reason = %q", record.Reason)
	}
	if record.Job.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", record.Job.Attempts)
	}
}

func TestDepth(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{ID: "a", RecipientID: "a"}, 0)
	q.Enqueue(ctx, Job{ID: "b", RecipientID: "b"}, 0)
	q.Enqueue(ctx, Job{ID: "c", RecipientID: "c"}, time.Minute)

	ready, delayed, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if ready != 2 || delayed != 1 {
		t.Errorf("Depth = (%d, %d), want (2, 1)", ready, delayed)
	}
}

func TestClaimSkipsCancelledPromotedJob(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Job{ID: "a", RecipientID: "a"}, 0)
	q.Enqueue(ctx, Job{ID: "b", RecipientID: "b"}, 0)

	// Simulate a cancellation race: payload gone but id still in the list.
	mr.Del(q.jobKey("a"))

	j, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if j == nil || j.ID != "b" {
		t.Fatalf("Claim = %+v, want job b", j)
	}
}

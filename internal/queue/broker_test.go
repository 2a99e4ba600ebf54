package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

func setupBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := NewRedisBroker(rdb, zap.NewNop())

	return broker, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testJob(channel db.Channel, priority int) *Job {
	return &Job{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		UserID:         uuid.New(),
		Type:           db.TypeChatMessage,
		Channel:        channel,
		Title:          "hello",
		Priority:       priority,
	}
}

func TestBrokerPriorityOrdering(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	low := testJob(db.ChannelPush, db.PriorityLow.QueueWeight())
	critical := testJob(db.ChannelPush, db.PriorityCritical.QueueWeight())
	normal := testJob(db.ChannelPush, db.PriorityNormal.QueueWeight())

	for _, job := range []*Job{low, critical, normal} {
		if err := broker.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	want := []uuid.UUID{critical.ID, normal.ID, low.ID}
	for i, expected := range want {
		job, err := broker.Pop(ctx, db.ChannelPush)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("pop %d: queue empty", i)
		}
		if job.ID != expected {
			t.Errorf("pop %d = %s, want %s", i, job.ID, expected)
		}
	}
}

func TestBrokerDelayedJob(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	broker.WithClock(func() time.Time { return now })

	job := testJob(db.ChannelEmail, 5)
	job.RunAt = now.Add(30 * time.Second)
	if err := broker.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Not due yet
	got, err := broker.Pop(ctx, db.ChannelEmail)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != nil {
		t.Fatal("delayed job popped before its delay elapsed")
	}

	stats, err := broker.Stats(ctx, db.ChannelEmail)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Delayed != 1 {
		t.Errorf("delayed = %d, want 1", stats.Delayed)
	}

	// Advance past the delay
	now = now.Add(31 * time.Second)
	got, err = broker.Pop(ctx, db.ChannelEmail)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("expected delayed job after promotion, got %v", got)
	}
}

func TestBrokerPauseResume(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	if err := broker.Enqueue(ctx, testJob(db.ChannelSMS, 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := broker.Pause(ctx, db.ChannelSMS); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if job, _ := broker.Pop(ctx, db.ChannelSMS); job != nil {
		t.Fatal("paused queue should not yield jobs")
	}

	if err := broker.Resume(ctx, db.ChannelSMS); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if job, _ := broker.Pop(ctx, db.ChannelSMS); job == nil {
		t.Fatal("resumed queue should yield jobs again")
	}
}

func TestBrokerFailAndRequeue(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	job := testJob(db.ChannelEmail, 5)
	if err := broker.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	popped, err := broker.Pop(ctx, db.ChannelEmail)
	if err != nil || popped == nil {
		t.Fatalf("pop: %v %v", popped, err)
	}
	popped.Attempt = popped.MaxAttempts
	if err := broker.Fail(ctx, popped, "smtp timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	failed, err := broker.ListFailed(ctx, db.ChannelEmail)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "smtp timeout" {
		t.Fatalf("failed set = %+v", failed)
	}

	requeued, err := broker.RequeueFailed(ctx, db.ChannelEmail, job.ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued == nil || requeued.Attempt != 0 {
		t.Fatalf("requeued = %+v, want fresh attempt budget", requeued)
	}

	// The job is back in the queue
	again, err := broker.Pop(ctx, db.ChannelEmail)
	if err != nil || again == nil {
		t.Fatalf("pop after requeue: %v %v", again, err)
	}
	if again.ID != job.ID {
		t.Errorf("popped %s, want %s", again.ID, job.ID)
	}
}

func TestBrokerRequeueUnknownJob(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()

	job, err := broker.RequeueFailed(context.Background(), db.ChannelEmail, uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatal("unknown job id should return nil")
	}
}

func TestBrokerStatsCounters(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := broker.Enqueue(ctx, testJob(db.ChannelInApp, 5)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	job, err := broker.Pop(ctx, db.ChannelInApp)
	if err != nil || job == nil {
		t.Fatalf("pop: %v %v", job, err)
	}
	if err := broker.Complete(ctx, job); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := broker.Stats(ctx, db.ChannelInApp)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 2 {
		t.Errorf("waiting = %d, want 2", stats.Waiting)
	}
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
	if stats.Active != 0 {
		t.Errorf("active = %d, want 0", stats.Active)
	}
}

func TestBrokerCleanAdjustsFailedCounter(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	broker.WithClock(func() time.Time { return now })

	job := testJob(db.ChannelSMS, 5)
	job.EnqueuedAt = now.Add(-2 * time.Hour)
	if err := broker.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	popped, err := broker.Pop(ctx, db.ChannelSMS)
	if err != nil || popped == nil {
		t.Fatalf("pop: %v %v", popped, err)
	}
	if err := broker.Fail(ctx, popped, "carrier rejected"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	removed, err := broker.Clean(ctx, db.ChannelSMS, time.Hour)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	stats, err := broker.Stats(ctx, db.ChannelSMS)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 0 {
		t.Errorf("failed = %d, want 0 after cleaning the failed set", stats.Failed)
	}
}

func TestBrokerClean(t *testing.T) {
	broker, _, cleanup := setupBroker(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	broker.WithClock(func() time.Time { return now })

	old := testJob(db.ChannelEmail, 5)
	old.EnqueuedAt = now.Add(-2 * time.Hour)
	fresh := testJob(db.ChannelEmail, 5)

	if err := broker.Enqueue(ctx, old); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := broker.Enqueue(ctx, fresh); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed, err := broker.Clean(ctx, db.ChannelEmail, time.Hour)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	job, err := broker.Pop(ctx, db.ChannelEmail)
	if err != nil || job == nil {
		t.Fatalf("pop: %v %v", job, err)
	}
	if job.ID != fresh.ID {
		t.Errorf("surviving job = %s, want %s", job.ID, fresh.ID)
	}
}

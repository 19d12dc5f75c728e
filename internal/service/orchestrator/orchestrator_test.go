package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeExecutor struct {
	err   error
	calls int32
	block bool
}

func (f *fakeExecutor) ExecuteRun(ctx context.Context, runID uint) error {
	atomic.AddInt32(&f.calls, 1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestFailedRunIsNotRetried(t *testing.T) {
	executor := &fakeExecutor{err: context.Canceled}
	o, err := NewOrchestrator(1, 4, executor)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	o.Start()
	defer o.Stop(time.Second)

	if err := o.EnqueueJob(NewRunJob(2, "User1", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&executor.calls) > 0 })
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&executor.calls); got != 1 {
		t.Fatalf("failed run must not be retried, got %d calls", got)
	}
}

func TestExecuteJobStopsOnTimeout(t *testing.T) {
	executor := &fakeExecutor{block: true}
	o, _ := NewOrchestrator(1, 4, executor)
	defer o.pool.Release()

	start := time.Now()
	o.executeJob(NewRunJob(3, "User1", 50*time.Millisecond))
	elapsed := time.Since(start)

	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("executor should be called once, got %d", executor.calls)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("executeJob took too long: %v", elapsed)
	}
	if o.CancelRun(3) {
		t.Fatalf("finished run must be unregistered")
	}
}

func TestJobsRunInEnqueueOrder(t *testing.T) {
	var order []uint
	done := make(chan struct{}, 3)
	executor := executorFunc(func(ctx context.Context, runID uint) error {
		order = append(order, runID)
		done <- struct{}{}
		return nil
	})
	o, _ := NewOrchestrator(1, 4, executor)

	for _, id := range []uint{1, 2, 3} {
		if err := o.EnqueueJob(NewRunJob(id, "User1", 0)); err != nil {
			t.Fatalf("enqueue %d: %v", id, err)
		}
	}
	o.Start()
	defer o.Stop(time.Second)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d did not execute", i+1)
		}
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestEnqueueAndCancelRun(t *testing.T) {
	executor := &fakeExecutor{block: true}
	o, err := NewOrchestrator(1, 4, executor)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	o.Start()
	defer o.Stop(time.Second)

	if err := o.EnqueueJob(NewRunJob(7, "User2", 0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&executor.calls) == 1 })

	if !o.CancelRun(7) {
		t.Fatalf("running job should be cancelable")
	}
	waitFor(t, func() bool { return !o.CancelRun(7) })
	if o.CancelRun(99) {
		t.Fatalf("unknown run must not be cancelable")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	o, _ := NewOrchestrator(1, 1, &fakeExecutor{})
	defer o.pool.Release()

	if err := o.EnqueueJob(NewRunJob(1, "User1", 0)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := o.EnqueueJob(NewRunJob(2, "User1", 0)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := o.GetQueueStatus().QueueLength; got != 1 {
		t.Fatalf("queue length = %d", got)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	o, _ := NewOrchestrator(1, 2, &fakeExecutor{})
	o.Start()
	o.Stop(time.Second)

	if err := o.EnqueueJob(NewRunJob(1, "User1", 0)); err != ErrOrchestratorStopped {
		t.Fatalf("expected ErrOrchestratorStopped, got %v", err)
	}
}

type executorFunc func(ctx context.Context, runID uint) error

func (f executorFunc) ExecuteRun(ctx context.Context, runID uint) error {
	return f(ctx, runID)
}

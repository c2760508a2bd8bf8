package worker

import (
	"testing"
	"time"

	"github.com/hostbridge-go/agent/code"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

// TestQueueStartRunsAndReplies exercises the common path: queue a start with
// no tid, the pool picks the sole idle worker, the runner calls NotifyInit,
// and the reply carries that worker's index.
func TestQueueStartRunsAndReplies(t *testing.T) {
	pool := NewPool(1)
	started := make(chan struct{})
	pool.RegisterRuntime(Runtime{Name: "echo", Run: func(ctx *Context, file, source string, debug bool) error {
		ctx.NotifyInit()
		close(started)
		<-ctx.worker.sem // park until test is done; avoid returning immediately
		return nil
	}})
	pool.Start()

	var gotTID int
	var gotErr error
	done := make(chan struct{})
	err := pool.Queue(false, 0, "start", StartRequest{Runtime: "echo"}, func(result any, err error) {
		if m, ok := result.(map[string]any); ok {
			gotTID = int(m["tid"].(int32))
		}
		gotErr = err
		close(done)
	})
	if err != nil {
		t.Fatalf("Queue returned %v, want nil", err)
	}
	<-started
	<-done
	if gotErr != nil {
		t.Fatalf("reply error = %v, want nil", gotErr)
	}
	if gotTID != 0 {
		t.Fatalf("reply tid = %d, want 0", gotTID)
	}
	waitFor(t, func() bool { return pool.workers[0].State() == Running })
}

// TestQueueStartBusyWhenNoIdleWorker is the BUSY branch of the queueing
// policy: a single-worker pool already running rejects a second start.
func TestQueueStartBusyWhenNoIdleWorker(t *testing.T) {
	pool := NewPool(1)
	block := make(chan struct{})
	pool.RegisterRuntime(Runtime{Name: "spin", Run: func(ctx *Context, file, source string, debug bool) error {
		ctx.NotifyInit()
		<-block
		return nil
	}})
	pool.Start()

	first := make(chan struct{})
	if err := pool.Queue(false, 0, "start", StartRequest{Runtime: "spin"}, func(any, error) { close(first) }); err != nil {
		t.Fatal(err)
	}
	<-first
	waitFor(t, func() bool { return pool.workers[0].State() == Running })

	err := pool.Queue(false, 0, "start", StartRequest{Runtime: "spin"}, func(any, error) {})
	if err != code.EBUSY {
		t.Fatalf("got %v, want EBUSY", err)
	}
	close(block)
}

// TestQueueUnknownRuntimeReportsENOENT covers the branch where a worker is
// claimed but the named runtime was never registered.
func TestQueueUnknownRuntimeReportsENOENT(t *testing.T) {
	pool := NewPool(1)
	pool.Start()

	done := make(chan struct{})
	var gotErr error
	err := pool.Queue(false, 0, "start", StartRequest{Runtime: "nope"}, func(result any, err error) {
		gotErr = err
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if gotErr != code.ENOENT {
		t.Fatalf("reply error = %v, want ENOENT", gotErr)
	}
	waitFor(t, func() bool { return pool.workers[0].State() == Idle })
}

// TestAbortCycle is scenario S5: a worker is started, an "abort" callback is
// posted against its tid, the runner observes QueryAbort on its next
// Cooperate and exits; the worker returns to Idle.
func TestAbortCycle(t *testing.T) {
	pool := NewPool(1)
	notified := make(chan struct{})
	exited := make(chan struct{})
	pool.RegisterRuntime(Runtime{Name: "loop", Run: func(ctx *Context, file, source string, debug bool) error {
		ctx.NotifyInit()
		close(notified)
		for {
			ctx.Cooperate()
			if ctx.QueryAbort() {
				close(exited)
				return nil
			}
			time.Sleep(time.Millisecond)
		}
	}})
	pool.Start()

	if err := pool.Queue(false, 0, "start", StartRequest{Runtime: "loop"}, func(any, error) {}); err != nil {
		t.Fatal(err)
	}
	<-notified

	abortReplied := make(chan error, 1)
	if err := pool.Queue(true, 0, "abort", StartRequest{}, func(result any, err error) {
		abortReplied <- err
	}); err != nil {
		t.Fatalf("queueing abort: %v", err)
	}

	if err := <-abortReplied; err != nil {
		t.Fatalf("abort reply error = %v, want nil", err)
	}
	<-exited
	waitFor(t, func() bool { return pool.workers[0].State() == Idle })
}

// TestCallbackParksUntilRunnerReturns covers the "callback" name: cooperate
// parks it rather than completing it immediately, and the pool delivers the
// reply only once the runner has actually returned.
func TestCallbackParksUntilRunnerReturns(t *testing.T) {
	pool := NewPool(1)
	notified := make(chan struct{})
	letRunnerFinish := make(chan struct{})
	pool.RegisterRuntime(Runtime{Name: "work", Run: func(ctx *Context, file, source string, debug bool) error {
		ctx.NotifyInit()
		close(notified)
		ctx.Cooperate() // parks the "callback" request if already queued; never replies to it
		<-letRunnerFinish
		return code.Code(7)
	}})
	pool.Start()

	if err := pool.Queue(false, 0, "start", StartRequest{Runtime: "work"}, func(any, error) {}); err != nil {
		t.Fatal(err)
	}
	<-notified

	replied := make(chan any, 1)
	if err := pool.Queue(true, 0, "callback", StartRequest{}, func(result any, err error) {
		replied <- result
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-replied:
		t.Fatal("callback reply delivered before runner returned")
	case <-time.After(20 * time.Millisecond):
	}

	close(letRunnerFinish)
	result := <-replied
	if result.(int) != 7 {
		t.Fatalf("callback result = %v, want 7", result)
	}
}

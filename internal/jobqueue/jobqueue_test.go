package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPriorityString(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{PriorityLow, "low"},
		{PriorityNormal, "normal"},
		{PriorityHigh, "high"},
		{Priority(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestSubmitRunsJob(t *testing.T) {
	q := New(2, 1)
	defer q.Close()

	ran := make(chan struct{})
	q.Submit(PriorityNormal, JobFunc(func(ctx context.Context) error {
		close(ran)
		return nil
	}), nil)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestCompletionCallback(t *testing.T) {
	q := New(1, 1)
	defer q.Close()

	wantErr := errors.New("decode failed")
	done := make(chan error, 1)
	q.Submit(PriorityNormal, JobFunc(func(ctx context.Context) error {
		return wantErr
	}), func(err error) { done <- err })

	select {
	case err := <-done:
		if !errors.Is(err, wantErr) {
			t.Errorf("onComplete err = %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onComplete never fired")
	}
}

func TestHighPriorityRunsFirst(t *testing.T) {
	q := New(1, 1)
	defer q.Close()

	var mu sync.Mutex
	var order []string
	record := func(name string) JobFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Hold all lanes while enqueuing so the dispatcher cannot pop a
	// lower-priority job before the high one arrives.
	q.Pause(PriorityLow)
	q.Pause(PriorityNormal)
	q.Pause(PriorityHigh)

	var wg sync.WaitGroup
	wg.Add(3)
	track := func(err error) { wg.Done() }
	q.Submit(PriorityLow, record("low"), track)
	q.Submit(PriorityNormal, record("normal"), track)
	q.Submit(PriorityHigh, record("high"), track)

	q.Resume(PriorityHigh)
	q.Resume(PriorityNormal)
	q.Resume(PriorityLow)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "high" {
		t.Errorf("execution order = %v, want high first", order)
	}
}

func TestPauseResume(t *testing.T) {
	q := New(2, 1)
	defer q.Close()

	q.Pause(PriorityLow)

	ran := make(chan struct{})
	q.Submit(PriorityLow, JobFunc(func(ctx context.Context) error {
		close(ran)
		return nil
	}), nil)

	select {
	case <-ran:
		t.Fatal("low job ran while its lane was paused")
	case <-time.After(50 * time.Millisecond):
	}

	// Other lanes are unaffected
	other := make(chan struct{})
	q.Submit(PriorityNormal, JobFunc(func(ctx context.Context) error {
		close(other)
		return nil
	}), nil)
	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("normal job blocked by a paused low lane")
	}

	q.Resume(PriorityLow)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("low job never ran after Resume")
	}
}

func TestLowLaneCap(t *testing.T) {
	q := New(4, 1)
	defer q.Close()

	var concurrent, peak int32
	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		q.Submit(PriorityLow, JobFunc(func(ctx context.Context) error {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-gate
			atomic.AddInt32(&concurrent, -1)
			return nil
		}), func(err error) { wg.Done() })
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Errorf("low-lane peak concurrency = %d, want 1", p)
	}
}

func TestCloseCancelsPending(t *testing.T) {
	q := New(1, 1)

	// Occupy the worker until Close cancels it.
	started := make(chan struct{})
	q.Submit(PriorityNormal, JobFunc(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), nil)
	<-started

	done := make(chan error, 1)
	q.Submit(PriorityNormal, JobFunc(func(ctx context.Context) error {
		return nil
	}), func(err error) { done <- err })

	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("pending job completion = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending job never received its callback")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	q := New(1, 1)
	q.Close()

	done := make(chan error, 1)
	q.Submit(PriorityNormal, JobFunc(func(ctx context.Context) error {
		t.Error("job ran after Close")
		return nil
	}), func(err error) { done <- err })

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("completion = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit after Close never reported cancellation")
	}
}

func TestCloseIdempotent(t *testing.T) {
	q := New(1, 1)
	q.Close()
	q.Close()
}

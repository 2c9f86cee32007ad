package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type failingSchedule struct{}

func (failingSchedule) Next(time.Time) (time.Time, error) {
	return time.Time{}, errors.New("exhausted")
}

func TestLoop_FiresUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int64
	loop, err := NewLoop(every(time.Millisecond), func(context.Context) {
		if runs.Add(1) == 3 {
			cancel()
		}
	}, nil)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	if runs.Load() != 3 {
		t.Fatalf("expected 3 runs, got %d", runs.Load())
	}
}

func TestLoop_WaitsForNextRun(t *testing.T) {
	loop, err := NewLoop(every(time.Hour), func(context.Context) {
		t.Error("run must not fire before its time")
	}, nil)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	var waited time.Duration
	fire := make(chan time.Time)
	loop.after = func(d time.Duration) <-chan time.Time {
		waited = d
		return fire
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if waited != time.Hour {
		t.Fatalf("expected to wait one hour, waited %s", waited)
	}
}

func TestLoop_StopsOnScheduleError(t *testing.T) {
	loop, err := NewLoop(failingSchedule{}, func(context.Context) {}, nil)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestNewLoop_Validates(t *testing.T) {
	if _, err := NewLoop(nil, func(context.Context) {}, nil); err == nil {
		t.Fatal("expected error without schedule")
	}
	if _, err := NewLoop(every(time.Second), nil, nil); err == nil {
		t.Fatal("expected error without run function")
	}
}

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/osiriscare/appliance-agent/internal/config"
)

func TestJitterStaysWithinBounds(t *testing.T) {
	s := New(zerolog.Nop(), 0.1, nil, 1)
	base := 10 * time.Second
	lo := time.Duration(float64(base) * 0.9)
	hi := time.Duration(float64(base) * 1.1)
	for i := 0; i < 1000; i++ {
		got := s.jittered(base)
		if got < lo || got > hi {
			t.Fatalf("jittered(%v) = %v outside [%v, %v]", base, got, lo, hi)
		}
	}
}

func TestZeroJitterIsExact(t *testing.T) {
	s := New(zerolog.Nop(), 0, nil, 1)
	if got := s.jittered(time.Minute); got != time.Minute {
		t.Fatalf("jittered = %v", got)
	}
}

func TestTaskRunsOnCadence(t *testing.T) {
	s := New(zerolog.Nop(), 0, nil, 2)
	var runs atomic.Int32
	s.Add(&Task{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run:      func(context.Context) { runs.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d runs", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTriggerFiresOutOfCadence(t *testing.T) {
	s := New(zerolog.Nop(), 0, nil, 2)
	ran := make(chan struct{}, 1)
	s.Add(&Task{
		Name:     "checkin",
		Interval: time.Hour,
		Run: func(context.Context) {
			select {
			case ran <- struct{}{}:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	s.Trigger("checkin")

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("trigger did not fire the task")
	}
}

func TestTriggerUnknownTaskIsNoop(t *testing.T) {
	s := New(zerolog.Nop(), 0, nil, 1)
	s.Trigger("nonexistent")
}

func TestDisruptiveDeferredOutsideWindow(t *testing.T) {
	// A one-minute window that ended hours ago today.
	w, err := config.ParseWindow("00:00-00:01")
	if err != nil {
		t.Fatal(err)
	}
	if w.Contains(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)) {
		t.Skip("test assumes midday is outside the window")
	}

	s := New(zerolog.Nop(), 0, &w, 2)
	var runs atomic.Int32
	s.Add(&Task{
		Name:       "rebuild",
		Interval:   5 * time.Millisecond,
		Disruptive: true,
		Run:        func(context.Context) { runs.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()

	if got := runs.Load(); got != 0 {
		// Unless the test really ran inside the first UTC minute.
		now := time.Now().UTC()
		if !w.Contains(now) {
			t.Fatalf("disruptive task ran %d times outside the window", got)
		}
	}
}

func TestNonDisruptiveIgnoresWindow(t *testing.T) {
	w, err := config.ParseWindow("00:00-00:01")
	if err != nil {
		t.Fatal(err)
	}
	s := New(zerolog.Nop(), 0, &w, 2)
	ran := make(chan struct{}, 1)
	s.Add(&Task{
		Name:     "scan",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) {
			select {
			case ran <- struct{}{}:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("non-disruptive task deferred")
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	s := New(zerolog.Nop(), 0, nil, 1)
	var active, maxActive atomic.Int32
	body := func(context.Context) {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
	}
	s.Add(&Task{Name: "a", Interval: time.Millisecond, Run: body})
	s.Add(&Task{Name: "b", Interval: time.Millisecond, Run: body})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()

	if maxActive.Load() > 1 {
		t.Fatalf("max concurrency = %d with 1 worker", maxActive.Load())
	}
}

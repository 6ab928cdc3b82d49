package cronsched

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeExprStripsYearAndQuestionMark(t *testing.T) {
	cases := map[string]string{
		"0 0 12 * * ?":      "0 0 12 * * *",
		"0 15 10 ? * MON *": "0 15 10 * * MON",
		"* * * * *":         "* * * * *",
	}
	for in, want := range cases {
		if got := normalizeExpr(in); got != want {
			t.Errorf("normalizeExpr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScheduleJobFiresRepeatedly(t *testing.T) {
	s := New(testLogger())
	defer s.Shutdown()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)
	if err := s.ScheduleJob("demo", "* * * * * *", func() {
		n := atomic.AddInt32(&count, 1)
		if n <= 3 {
			wg.Done()
		}
	}); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("action did not fire 3 times within 5s")
	}
}

func TestScheduleJobRejectsInvalidExpr(t *testing.T) {
	s := New(testLogger())
	defer s.Shutdown()

	if err := s.ScheduleJob("bad", "not a cron expr", func() {}); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestScheduleJobReplacesPriorJob(t *testing.T) {
	s := New(testLogger())
	defer s.Shutdown()

	var oldFired, newFired atomic.Bool
	if err := s.ScheduleJob("k", "* * * * * *", func() { oldFired.Store(true) }); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	if err := s.ScheduleJob("k", "* * * * * *", func() { newFired.Store(true) }); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}

	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one job registered under key, got %d", n)
	}

	time.Sleep(1500 * time.Millisecond)
	if !newFired.Load() {
		t.Error("expected the replacement job's action to have fired")
	}
}

func TestCancelJobStopsFiring(t *testing.T) {
	s := New(testLogger())
	defer s.Shutdown()

	var count atomic.Int32
	if err := s.ScheduleJob("x", "* * * * * *", func() { count.Add(1) }); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	time.Sleep(1200 * time.Millisecond)
	s.CancelJob("x")
	after := count.Load()
	time.Sleep(1200 * time.Millisecond)
	if count.Load() != after {
		t.Errorf("action kept firing after CancelJob: before=%d after=%d", after, count.Load())
	}
}

func TestCancelAndJoinWaitsForExit(t *testing.T) {
	s := New(testLogger())
	defer s.Shutdown()

	if err := s.ScheduleJob("y", "* * * * * *", func() {}); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	// Should return promptly and not hang, and must be safe for an
	// already-absent key too.
	s.CancelAndJoin("y")
	s.CancelAndJoin("never-scheduled")
}

func TestActionPanicDoesNotKillScheduler(t *testing.T) {
	s := New(testLogger())
	defer s.Shutdown()

	var panicked, recovered atomic.Bool
	if err := s.ScheduleJob("panicky", "* * * * * *", func() {
		panicked.Store(true)
		panic("boom")
	}); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}

	deadline := time.After(3 * time.Second)
	for !panicked.Load() {
		select {
		case <-deadline:
			t.Fatal("panicking action never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}

	// The scheduler goroutine should still be alive and schedulable.
	if err := s.ScheduleJob("panicky", "* * * * * *", func() { recovered.Store(true) }); err != nil {
		t.Fatalf("ScheduleJob() error after panic = %v", err)
	}
	deadline = time.After(3 * time.Second)
	for !recovered.Load() {
		select {
		case <-deadline:
			t.Fatal("scheduler did not recover after a panicking action")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestShutdownCancelsAllJobs(t *testing.T) {
	s := New(testLogger())
	if err := s.ScheduleJob("a", "* * * * * *", func() {}); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	if err := s.ScheduleJob("b", "* * * * * *", func() {}); err != nil {
		t.Fatalf("ScheduleJob() error = %v", err)
	}
	s.Shutdown()

	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no jobs remaining after Shutdown, got %d", n)
	}
}

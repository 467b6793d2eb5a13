package stream

import (
	"testing"
	"time"
)

func TestCreate_GetRoundTrip(t *testing.T) {
	reg := New(0)

	run, ctx := reg.Create("run-1", "user-1", "sess-1", "agent-1", "hello")
	if run.ID != "run-1" || run.UserID != "user-1" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Status() != StatusCreated {
		t.Errorf("Status() = %v, want created", run.Status())
	}

	got, ok := reg.Get("run-1")
	if !ok || got != run {
		t.Fatalf("Get() = %v, %v, want original run", got, ok)
	}

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before Cancel()")
	default:
	}
}

func TestGet_MissingReturnsFalse(t *testing.T) {
	reg := New(0)
	if _, ok := reg.Get("no-such-run"); ok {
		t.Error("Get() ok = true for missing run")
	}
}

func TestCancel_ObservableByRun(t *testing.T) {
	reg := New(0)
	run, _ := reg.Create("run-1", "user-1", "sess-1", "agent-1", "hi")

	if run.Cancelled() {
		t.Fatal("Cancelled() true before Cancel()")
	}

	if err := reg.Cancel("run-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if !run.Cancelled() {
		t.Fatal("Cancelled() false after Cancel()")
	}
	select {
	case <-run.Done():
	default:
		t.Error("Done() channel not closed after Cancel()")
	}
}

func TestCancel_IdempotentAndMissingRunErrors(t *testing.T) {
	reg := New(0)
	reg.Create("run-1", "user-1", "sess-1", "agent-1", "hi")

	if err := reg.Cancel("run-1"); err != nil {
		t.Fatalf("first Cancel() error = %v", err)
	}
	if err := reg.Cancel("run-1"); err != nil {
		t.Fatalf("second Cancel() error = %v, want nil (idempotent)", err)
	}

	if err := reg.Cancel("does-not-exist"); err == nil {
		t.Error("Cancel() on missing run: want error")
	}
}

func TestListByUser_ReturnsOnlyThatUsersRunsNewestFirst(t *testing.T) {
	reg := New(0)
	reg.Create("run-1", "user-1", "sess-1", "agent-1", "a")
	time.Sleep(time.Millisecond)
	reg.Create("run-2", "user-1", "sess-1", "agent-1", "b")
	reg.Create("run-3", "user-2", "sess-1", "agent-1", "c")

	runs := reg.ListByUser("user-1")
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("unexpected order: %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestRemove_DropsFromRegistryAndUserIndex(t *testing.T) {
	reg := New(0)
	reg.Create("run-1", "user-1", "sess-1", "agent-1", "hi")

	reg.Remove("run-1")

	if _, ok := reg.Get("run-1"); ok {
		t.Error("Get() found run after Remove()")
	}
	if runs := reg.ListByUser("user-1"); len(runs) != 0 {
		t.Errorf("ListByUser() = %v, want empty after Remove()", runs)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

func TestReapTerminal_RemovesOnlyOldTerminalRuns(t *testing.T) {
	reg := New(time.Hour)
	run, _ := reg.Create("run-1", "user-1", "sess-1", "agent-1", "hi")
	run.SetStatus(StatusDone)

	reaped := reg.ReapTerminal(time.Now())
	if reaped != 0 {
		t.Errorf("reaped = %d, want 0 (not yet idle)", reaped)
	}

	reaped = reg.ReapTerminal(time.Now().Add(2 * time.Hour))
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}
	if _, ok := reg.Get("run-1"); ok {
		t.Error("run still present after ReapTerminal")
	}
}

func TestReapTerminal_SkipsNonTerminalRuns(t *testing.T) {
	reg := New(time.Hour)
	reg.Create("run-1", "user-1", "sess-1", "agent-1", "hi")

	reaped := reg.ReapTerminal(time.Now().Add(24 * time.Hour))
	if reaped != 0 {
		t.Errorf("reaped = %d, want 0 for a still-running run", reaped)
	}
}

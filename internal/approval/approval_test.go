package approval

import (
	"context"
	"testing"
	"time"

	"github.com/HyphaGroup/oubliette/internal/eventbus"
)

func TestCreate_PublishesInterruptionEvent(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, time.Second, time.Hour)

	sub, err := bus.Subscribe("sess-1", nil)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()
	<-sub.Frames // init

	req, err := store.Create("sess-1", "run-1", "user-1", "code_execute", "{}", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if req.Status != StatusPending {
		t.Errorf("Status = %v, want pending", req.Status)
	}
	if req.Reason == "" {
		t.Error("expected a default reason when none given")
	}

	select {
	case frame := <-sub.Frames:
		if string(frame[:len("event: interruption")]) != "event: interruption" {
			t.Errorf("unexpected frame: %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for interruption event")
	}
}

func TestResolve_ApprovedWakesWaitAndPublishesEvent(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, time.Second, time.Hour)

	req, err := store.Create("sess-1", "run-1", "user-1", "code_execute", "{}", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	resultCh := make(chan Status, 1)
	go func() { resultCh <- store.Wait(context.Background(), req.ID) }()

	time.Sleep(10 * time.Millisecond)
	if err := store.Resolve(req.ID, true, "user-1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	select {
	case status := <-resultCh:
		if status != StatusApproved {
			t.Errorf("Wait() returned %v, want approved", status)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after Resolve()")
	}
}

func TestResolve_RejectsWrongUser(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, time.Second, time.Hour)

	req, _ := store.Create("sess-1", "run-1", "user-1", "code_execute", "{}", "")

	if err := store.Resolve(req.ID, true, "user-2"); err == nil {
		t.Error("Resolve() by non-owning user: want error")
	}
}

func TestResolve_RejectsAlreadyResolved(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, time.Second, time.Hour)

	req, _ := store.Create("sess-1", "run-1", "user-1", "code_execute", "{}", "")
	if err := store.Resolve(req.ID, true, "user-1"); err != nil {
		t.Fatalf("first Resolve() error = %v", err)
	}
	if err := store.Resolve(req.ID, true, "user-1"); err == nil {
		t.Error("second Resolve(): want error, request already resolved")
	}
}

func TestWait_TimesOutToExpired(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, 20*time.Millisecond, time.Hour)

	req, _ := store.Create("sess-1", "run-1", "user-1", "code_execute", "{}", "")

	status := store.Wait(context.Background(), req.ID)
	if status != StatusExpired {
		t.Errorf("Wait() = %v, want expired", status)
	}
}

func TestWait_UnknownIDReturnsExpired(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, time.Second, time.Hour)

	if status := store.Wait(context.Background(), "does-not-exist"); status != StatusExpired {
		t.Errorf("Wait() = %v, want expired for unknown id", status)
	}
}

func TestPendingForRun_OnlyReturnsPending(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, time.Second, time.Hour)

	a, _ := store.Create("sess-1", "run-1", "user-1", "tool-a", "{}", "")
	b, _ := store.Create("sess-1", "run-1", "user-1", "tool-b", "{}", "")
	_ = store.Resolve(a.ID, true, "user-1")

	pending := store.PendingForRun("run-1")
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("PendingForRun() = %+v, want only %s", pending, b.ID)
	}
}

func TestScheduleGC_RemovesAfterGrace(t *testing.T) {
	bus := eventbus.New(eventbus.DefaultRingSize)
	store := New(bus, time.Second, 10*time.Millisecond)

	req, _ := store.Create("sess-1", "run-1", "user-1", "tool-a", "{}", "")
	if err := store.Resolve(req.ID, true, "user-1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := store.Get(req.ID); ok {
		t.Error("approval still present after GC grace period")
	}
}

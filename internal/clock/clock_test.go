package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceReleasesDueWaiters(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	m := NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if m.Waiters() != 2 {
		t.Fatalf("expected 2 waiters, got %d", m.Waiters())
	}
	m.Advance(2 * time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if m.Waiters() != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", m.Waiters())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(Real); !ok {
		t.Fatal("expected Real fallback")
	}
	m := NewManual(time.Unix(0, 0))
	if OrReal(m) != Clock(m) {
		t.Fatal("expected supplied clock")
	}
}

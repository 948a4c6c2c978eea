package timectrl

import (
	"testing"
	"time"
)

func TestManualClockAdvanceMovesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.Advance(42 * time.Second)

	if got := c.Now(); !got.Equal(start.Add(42 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(42*time.Second))
	}
}

func TestManualClockAfterFiresAtDeadline(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	ch := c.After(10 * time.Second)

	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired before its deadline")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(10 * time.Second)) {
			t.Fatalf("After delivered %v, want %v", got, start.Add(10*time.Second))
		}
	default:
		t.Fatalf("After did not fire at its deadline")
	}
}

func TestManualClockAfterNonPositiveFiresImmediately(t *testing.T) {
	c := NewManualClock(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))

	select {
	case <-c.After(0):
	default:
		t.Fatalf("After(0) should fire immediately")
	}
	if got := c.PendingWaiters(); got != 0 {
		t.Fatalf("PendingWaiters() = %d, want 0", got)
	}
}

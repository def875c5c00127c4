package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	t.Parallel()
	start := time.Unix(100, 0)
	m := NewManual(start)
	if !m.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", m.Now(), start)
	}
	m.Advance(250 * time.Millisecond)
	m.Advance(-time.Second)
	if got := m.Since(start); got != 250*time.Millisecond {
		t.Fatalf("Since = %v, want 250ms", got)
	}
}

func TestManualZeroStart(t *testing.T) {
	t.Parallel()
	if NewManual(time.Time{}).Now().IsZero() {
		t.Fatal("manual clock should not start at the zero time")
	}
}

func TestStopwatch(t *testing.T) {
	t.Parallel()
	m := NewManual(time.Time{})
	sw := Start(m)
	if sw.Elapsed() != 0 {
		t.Fatalf("Elapsed = %v, want 0", sw.Elapsed())
	}
	m.Advance(3 * time.Millisecond)
	if sw.Elapsed() != 3*time.Millisecond {
		t.Fatalf("Elapsed = %v, want 3ms", sw.Elapsed())
	}
	if !sw.Started().Equal(time.Unix(0, 0)) {
		t.Fatalf("Started = %v", sw.Started())
	}
}

func TestRealIsMonotonic(t *testing.T) {
	t.Parallel()
	c := Real()
	a := c.Now()
	b := c.Now()
	if b.Before(a) {
		t.Fatalf("real clock went backwards: %v then %v", a, b)
	}
	if c.Since(a) < 0 {
		t.Fatal("Since should never be negative")
	}
}

package incremental

import (
	"errors"
	"testing"
)

func TestTaskConstructors(t *testing.T) {
	t.Parallel()
	var calls []string
	note := func(s string) func() error {
		return func() error { calls = append(calls, s); return nil }
	}

	tests := []struct {
		name  string
		task  Task
		steps int
	}{
		{"once", Once(note("once")), 1},
		{"steps", Steps(3, func(int) error { return note("step")() }), 3},
		{"zero steps", Steps(0, func(int) error { return note("never")() }), 0},
		{"negative steps", Steps(-2, func(int) error { return note("never")() }), 0},
		{"each", Each([]string{"x", "y"}, func(string) error { return note("each")() }), 2},
		{"each empty", Each([]string(nil), func(string) error { return note("never")() }), 0},
	}
	for _, tt := range tests {
		n := 0
		for tt.task.HasNext() {
			if err := tt.task.Next(); err != nil {
				t.Fatalf("%s: Next: %v", tt.name, err)
			}
			n++
		}
		if n != tt.steps {
			t.Fatalf("%s: steps = %d, want %d", tt.name, n, tt.steps)
		}
	}
	for _, c := range calls {
		if c == "never" {
			t.Fatal("an empty task ran a step")
		}
	}
}

func TestFromFuncsDelegates(t *testing.T) {
	t.Parallel()
	left := 2
	boom := errors.New("boom")
	task := FromFuncs(func() bool { return left > 0 }, func() error {
		left--
		if left == 0 {
			return boom
		}
		return nil
	})
	if err := task.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if !task.HasNext() {
		t.Fatal("HasNext = false with one step left")
	}
	if err := task.Next(); !errors.Is(err, boom) {
		t.Fatalf("second Next = %v, want boom", err)
	}
	if task.HasNext() {
		t.Fatal("HasNext = true after last step")
	}
}

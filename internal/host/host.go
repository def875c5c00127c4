// Package host provides the run-loops that drive incremental commands.
//
// A host repeatedly invokes registered RepeatingCommands, one at a time, on a
// single goroutine. A command returns true to be invoked again later and false
// (or an error) to be deregistered. Hosts also offer one-shot timers that fire
// on the same goroutine, so timer callbacks never race with commands.
package host

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// RepeatingCommand is invoked repeatedly by a host until it returns false.
// A non-nil error also deregisters the command.
type RepeatingCommand interface {
	Execute() (bool, error)
}

// RepeatingFunc adapts a function to RepeatingCommand.
type RepeatingFunc func() (bool, error)

func (f RepeatingFunc) Execute() (bool, error) { return f() }

// Scheduler registers repeating commands.
type Scheduler interface {
	ScheduleRepeating(cmd RepeatingCommand)
}

// Timers schedules one-shot callbacks on the host's loop.
// The returned cancel func is idempotent and safe to call after firing.
type Timers interface {
	ScheduleAfter(d time.Duration, fn func()) (cancel func())
}

// Host is a Scheduler that also offers Timers.
type Host interface {
	Scheduler
	Timers
}

var ErrNilCommand = errors.New("host: nil command")

// CommandFailure describes a command that was deregistered because it failed.
type CommandFailure struct {
	Command RepeatingCommand `json:"-"`
	Err     error            `json:"-"`
	Error   string           `json:"error"`
	Panic   bool             `json:"panic"`
	Stack   string           `json:"stack,omitempty"`
}

// invoke runs cmd once, converting panics into errors.
func invoke(cmd RepeatingCommand) (more bool, err error, panicked bool, stack string) {
	defer func() {
		if r := recover(); r != nil {
			more = false
			err = fmt.Errorf("panic: %v", r)
			panicked = true
			stack = string(debug.Stack())
		}
	}()
	more, err = cmd.Execute()
	if err != nil {
		more = false
	}
	return more, err, false, ""
}

package incremental

import (
	"errors"
	"fmt"
)

var (
	ErrNilBody               = errors.New("incremental: nil loop body")
	ErrNilHost               = errors.New("incremental: nil host scheduler")
	ErrNilTask               = errors.New("incremental: nil task")
	ErrNilCommand            = errors.New("incremental: nil command")
	ErrZeroStep              = errors.New("incremental: for-loop step must not be zero")
	ErrJobNotInitialized     = errors.New("incremental: job executed before InitTasks")
	ErrJobAlreadyInitialized = errors.New("incremental: job tasks already initialized")
)

// PanicError is returned by the queue when a command panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

package incremental

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"stepwise/internal/eventbus"
	"stepwise/internal/host"
	logx "stepwise/pkg/logx"
)

// Command is an atomic unit of queued work.
type Command interface {
	Execute() error
}

// CommandFunc adapts a function to Command.
type CommandFunc func() error

func (f CommandFunc) Execute() error { return f() }

// FailureHandler decides whether the queue keeps running after cmd failed.
type FailureHandler func(cmd Command, err error) bool

// QueueFailure is the payload of queue.command_failed events.
type QueueFailure struct {
	Queue     string `json:"queue"`
	Error     string `json:"error"`
	Remaining int    `json:"remaining"`
}

type queueOptions struct {
	name    string
	handler FailureHandler
	log     logx.Logger
	bus     eventbus.Bus
}

type QueueOption func(*queueOptions)

func WithQueueName(name string) QueueOption { return func(o *queueOptions) { o.name = name } }

// WithFailureHandler replaces the default handler, which logs the failure and
// keeps going while commands remain.
func WithFailureHandler(h FailureHandler) QueueOption {
	return func(o *queueOptions) { o.handler = h }
}

func WithQueueLogger(log logx.Logger) QueueOption { return func(o *queueOptions) { o.log = log } }

func WithQueueBus(b eventbus.Bus) QueueOption { return func(o *queueOptions) { o.bus = b } }

// Queue executes one command per invocation, in FIFO order.
//
// It registers itself with the host when work arrives and deregisters once
// drained, so callers only ever Add. A failing command is handed to the
// failure handler and does not stop the queue unless the handler says so.
// Add is safe for concurrent use; commands run outside the lock.
type Queue struct {
	host    host.Scheduler
	name    string
	handler FailureHandler
	log     logx.Logger
	bus     eventbus.Bus

	mu      sync.Mutex
	items   []Command
	running bool

	executed atomic.Uint64
	failed   atomic.Uint64
}

func NewQueue(h host.Scheduler, opts ...QueueOption) (*Queue, error) {
	if h == nil {
		return nil, ErrNilHost
	}
	o := queueOptions{name: "queue"}
	for _, opt := range opts {
		opt(&o)
	}
	q := &Queue{
		host:    h,
		name:    o.name,
		handler: o.handler,
		log:     o.log,
		bus:     o.bus,
	}
	if !q.log.IsZero() {
		q.log = q.log.With(logx.String("queue", q.name))
	}
	return q, nil
}

// Add enqueues cmd and makes sure the queue is registered with the host.
func (q *Queue) Add(cmd Command) error {
	if cmd == nil {
		return ErrNilCommand
	}
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.mu.Unlock()
	q.StartIfNotRunning()
	return nil
}

// StartIfNotRunning registers the queue with the host when it is idle and
// has work. It reports whether a registration happened.
func (q *Queue) StartIfNotRunning() bool {
	q.mu.Lock()
	if q.running || len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	q.running = true
	q.mu.Unlock()

	q.host.ScheduleRepeating(q)
	return true
}

// Execute runs the command at the head of the queue.
// Command failures never escape; the returned error is always nil.
func (q *Queue) Execute() (bool, error) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.running = false
		q.mu.Unlock()
		return false, nil
	}
	cmd := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.mu.Unlock()

	if err := runCommand(cmd); err != nil {
		q.failed.Add(1)
		more := q.HandleFailedTask(cmd, err)
		if !more {
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
		}
		return more, nil
	}

	q.executed.Add(1)
	q.mu.Lock()
	more := len(q.items) > 0
	if !more {
		q.running = false
	}
	q.mu.Unlock()
	return more, nil
}

// HandleFailedTask routes a failed command to the configured handler.
func (q *Queue) HandleFailedTask(cmd Command, err error) bool {
	if q.handler != nil {
		return q.handler(cmd, err)
	}
	remaining := q.Size()
	fields := []logx.Field{logx.Err(err), logx.Int("remaining", remaining)}
	if pe, ok := err.(*PanicError); ok {
		fields = append(fields, logx.Stack(pe.Stack))
	}
	q.log.Warn("queued command failed", fields...)
	eventbus.Publish(q.bus, eventbus.QueueCommandFailed, QueueFailure{Queue: q.name, Error: err.Error(), Remaining: remaining})
	return remaining > 0
}

func runCommand(cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return cmd.Execute()
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsRunning reports whether the queue is registered with the host.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Executed counts commands that completed without error.
func (q *Queue) Executed() uint64 { return q.executed.Load() }

// Failed counts commands that returned an error or panicked.
func (q *Queue) Failed() uint64 { return q.failed.Load() }

package incremental

import "io"

// Task is one multi-step piece of a Job.
//
// HasNext reports whether another step is pending; Next performs it. The Job
// calls HasNext at most once between two Next calls.
type Task interface {
	HasNext() bool
	Next() error
}

type readiness uint8

const (
	notReady readiness = iota
	ready
	done
)

// Job runs an ordered list of tasks as a single incremental loop.
// Exhausted tasks are skipped; each loop iteration is one step of the
// current task.
type Job struct {
	*Loop
	s *jobState
}

type jobState struct {
	tasks       []Task
	cursor      int
	state       readiness
	initialized bool
}

func (s *jobState) HasMoreWork() bool {
	switch s.state {
	case done:
		return false
	case ready:
		return true
	default:
		return s.advance()
	}
}

// advance polls the current task, then scans forward for one with work.
func (s *jobState) advance() bool {
	for s.cursor < len(s.tasks) {
		if s.tasks[s.cursor].HasNext() {
			s.state = ready
			return true
		}
		s.cursor++
	}
	s.state = done
	return false
}

func (s *jobState) LoopBody(int) error {
	if !s.HasMoreWork() {
		return nil
	}
	s.state = notReady
	return s.tasks[s.cursor].Next()
}

func (s *jobState) close() {
	for _, t := range s.tasks {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// NewJob creates a job whose tasks are supplied later with InitTasks.
func NewJob(opts ...Option) *Job {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &jobState{}
	j := &Job{Loop: newLoop(s, o), s: s}
	j.Loop.release = s.close
	return j
}

// NewJobWithTasks creates a job that is ready to run.
func NewJobWithTasks(tasks []Task, opts ...Option) (*Job, error) {
	j := NewJob(opts...)
	if err := j.InitTasks(tasks...); err != nil {
		return nil, err
	}
	return j, nil
}

// InitTasks sets the task order. It may be called once.
func (j *Job) InitTasks(tasks ...Task) error {
	if j.s.initialized {
		return ErrJobAlreadyInitialized
	}
	for _, t := range tasks {
		if t == nil {
			return ErrNilTask
		}
	}
	j.s.tasks = append([]Task(nil), tasks...)
	j.s.initialized = true
	return nil
}

// Execute runs one increment of the job.
func (j *Job) Execute() (bool, error) {
	if !j.s.initialized {
		return false, ErrJobNotInitialized
	}
	return j.Loop.Execute()
}

func (j *Job) TaskCount() int { return len(j.s.tasks) }

// Cursor returns the index of the task the job is working on.
func (j *Job) Cursor() int { return j.s.cursor }

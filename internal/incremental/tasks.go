package incremental

import "iter"

type onceTask struct {
	fn  func() error
	ran bool
}

func (t *onceTask) HasNext() bool { return !t.ran }

func (t *onceTask) Next() error {
	t.ran = true
	return t.fn()
}

// Once is a single-step task.
func Once(fn func() error) Task { return &onceTask{fn: fn} }

type stepsTask struct {
	n, i int
	fn   func(i int) error
}

func (t *stepsTask) HasNext() bool { return t.i < t.n }

func (t *stepsTask) Next() error {
	i := t.i
	t.i++
	return t.fn(i)
}

// Steps is a task of n steps numbered 0..n-1. n <= 0 yields an empty task.
func Steps(n int, fn func(i int) error) Task { return &stepsTask{n: n, fn: fn} }

type eachTask[T any] struct {
	items []T
	i     int
	fn    func(T) error
}

func (t *eachTask[T]) HasNext() bool { return t.i < len(t.items) }

func (t *eachTask[T]) Next() error {
	v := t.items[t.i]
	t.i++
	return t.fn(v)
}

// Each runs fn once per item, in order.
func Each[T any](items []T, fn func(T) error) Task {
	return &eachTask[T]{items: items, fn: fn}
}

// seqTask pulls from an iterator one element ahead of Next.
type seqTask[T any] struct {
	seq    iter.Seq[T]
	fn     func(T) error
	next   func() (T, bool)
	stop   func()
	peeked bool
	val    T
	ended  bool
}

func (t *seqTask[T]) HasNext() bool {
	if t.peeked {
		return true
	}
	if t.ended {
		return false
	}
	if t.next == nil {
		t.next, t.stop = iter.Pull(t.seq)
	}
	v, ok := t.next()
	if !ok {
		t.ended = true
		t.Close()
		return false
	}
	t.val, t.peeked = v, true
	return true
}

func (t *seqTask[T]) Next() error {
	if !t.HasNext() {
		return nil
	}
	v := t.val
	var zero T
	t.val, t.peeked = zero, false
	return t.fn(v)
}

// Close releases the iterator. The job calls it when it finishes.
func (t *seqTask[T]) Close() error {
	if t.stop != nil {
		t.stop()
	}
	var zero T
	t.val, t.peeked, t.ended = zero, false, true
	return nil
}

// FromSeq runs fn for each element of seq. Elements are pulled lazily, one
// step at a time.
func FromSeq[T any](seq iter.Seq[T], fn func(T) error) Task {
	return &seqTask[T]{seq: seq, fn: fn}
}

type funcTask struct {
	hasNext func() bool
	next    func() error
}

func (t funcTask) HasNext() bool { return t.hasNext() }
func (t funcTask) Next() error   { return t.next() }

// FromFuncs delegates to a caller-owned pair of functions.
func FromFuncs(hasNext func() bool, next func() error) Task {
	return funcTask{hasNext: hasNext, next: next}
}

package incremental

// ForLoop is an incremental `for i := start; i < limit; i += step` (or
// `i > limit` for a negative step).
type ForLoop struct {
	*Loop
	r *forRange
}

type forRange struct {
	start, limit, step int
	// total is fixed at construction; values are derived from the ordinal so
	// bounds near the int limits cannot overflow the comparison.
	total uint64
	done  uint64
	fn    func(i int) error
}

// iterations counts the values of start, start+step, ... strictly before
// limit, computed on the unsigned span so every int range fits.
func iterations(start, limit, step int) uint64 {
	var span, stride uint64
	switch {
	case step > 0 && start < limit:
		span, stride = uint64(limit)-uint64(start), uint64(step)
	case step < 0 && start > limit:
		span, stride = uint64(start)-uint64(limit), -uint64(step)
	default:
		return 0
	}
	n := span / stride
	if span%stride != 0 {
		n++
	}
	return n
}

func (f *forRange) current() int { return f.start + int(f.done)*f.step }

func (f *forRange) HasMoreWork() bool { return f.done < f.total }

func (f *forRange) LoopVariable(iteration int) int { return f.start + iteration*f.step }

func (f *forRange) LoopBody(i int) error {
	if err := f.fn(i); err != nil {
		return err
	}
	f.done++
	return nil
}

// NewForLoop creates a loop calling fn with start, start+step, ... until limit
// is reached. A zero step is rejected.
func NewForLoop(start, limit, step int, fn func(i int) error, opts ...Option) (*ForLoop, error) {
	if fn == nil {
		return nil, ErrNilBody
	}
	if step == 0 {
		return nil, ErrZeroStep
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r := &forRange{start: start, limit: limit, step: step, total: iterations(start, limit, step), fn: fn}
	return &ForLoop{Loop: newLoop(r, o), r: r}, nil
}

// Range returns the loop parameters.
func (f *ForLoop) Range() (start, limit, step int) { return f.r.start, f.r.limit, f.r.step }

// Current returns the value the next iteration will receive. Once the loop
// is exhausted it is only meaningful when start+total*step fits in an int.
func (f *ForLoop) Current() int { return f.r.current() }

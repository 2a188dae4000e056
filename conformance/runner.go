package conformance

import (
	"errors"
	"fmt"

	"cairn/heap"
	"cairn/runtime"
	"cairn/storage"
	"cairn/value"
)

// Runner executes one scenario against a fresh runtime. Named arrays and
// strings are rooted in a handle scope for the scenario's lifetime, so they
// survive and follow compactions until an explicit drop step.
type Runner struct {
	rt    *runtime.Runtime
	gc    *heap.GC
	scope *heap.HandleScope

	arrays  map[string]heap.Handle
	strings map[string]heap.Handle
	weaks   map[string]heap.WeakRef
}

// NewRunner creates a runner with strict-mode collection and the suite's
// tuning overrides applied.
func NewRunner(tuning *Tuning) (*Runner, error) {
	cfg := heap.DefaultConfig()
	cfg.Name = "conformance"
	cfg.Strict = true
	cfg.FatalHandler = func(format string, args ...any) {
		panic(fmt.Sprintf(format, args...))
	}
	if tuning != nil {
		if tuning.InitHeapSize != 0 {
			cfg.InitHeapSize = tuning.InitHeapSize
		}
		if tuning.MaxHeapSize != 0 {
			cfg.MaxHeapSize = tuning.MaxHeapSize
		}
		cfg.SanitizeRate = tuning.SanitizeRate
		cfg.SanitizeSeed = tuning.SanitizeSeed
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		rt:      rt,
		gc:      rt.GC(),
		scope:   rt.GC().NewScope(),
		arrays:  make(map[string]heap.Handle),
		strings: make(map[string]heap.Handle),
		weaks:   make(map[string]heap.WeakRef),
	}
	return r, nil
}

// Close releases the runner's root scope
func (r *Runner) Close() {
	r.scope.Close()
}

// Run executes the scenario's steps in order, stopping at the first failure
func (r *Runner) Run(script Script) error {
	for i, step := range script.Steps {
		if err := r.step(step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}
	return nil
}

func (r *Runner) step(s Step) error {
	switch s.Op {
	case "create_array":
		ref, err := storage.Create(r.gc, s.Capacity)
		if s.WantRangeError {
			if r.checkRangeError(s, err) {
				return nil
			}
			return fmt.Errorf("expected a range error, got %v", err)
		}
		if err != nil {
			return err
		}
		r.arrays[s.Name] = r.scope.RefHandle(ref)
		return nil

	case "new_string":
		r.strings[s.Name] = r.scope.RefHandle(r.rt.NewString(s.Text))
		return nil

	case "push_numbers":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		for i := uint32(0); i < s.Count; i++ {
			elem := r.gc.NewScope()
			v := elem.Handle(value.Number(s.Start + float64(i)))
			err := storage.PushBack(r.gc, arr, v)
			elem.Close()
			if err != nil {
				return err
			}
		}
		return nil

	case "push_strings":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		for i := uint32(0); i < s.Count; i++ {
			elem := r.gc.NewScope()
			str := elem.RefHandle(r.rt.NewString(fmt.Sprintf("%s%d", s.Prefix, i)))
			err := storage.PushBack(r.gc, arr, str)
			elem.Close()
			if err != nil {
				return err
			}
		}
		return nil

	case "set_number":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		storage.Payload(r.gc, arr.Ref()).Set(r.gc, s.Index, value.Number(s.Number))
		return nil

	case "resize":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		err = storage.Resize(r.gc, arr, s.Size)
		if s.WantRangeError {
			if r.checkRangeError(s, err) {
				return nil
			}
			return fmt.Errorf("expected a range error, got %v", err)
		}
		return err

	case "resize_left":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		return storage.ResizeLeft(r.gc, arr, s.Size)

	case "collect":
		r.gc.Collect()
		return nil

	case "drop":
		if h, ok := r.arrays[s.Name]; ok {
			h.Set(value.Undefined())
			delete(r.arrays, s.Name)
			return nil
		}
		if h, ok := r.strings[s.Name]; ok {
			h.Set(value.Undefined())
			delete(r.strings, s.Name)
			return nil
		}
		return fmt.Errorf("drop of unknown name %q", s.Name)

	case "weak_ref":
		ref, err := r.refOf(s.Of)
		if err != nil {
			return err
		}
		r.weaks[s.Name] = r.rt.NewWeakRef(ref)
		return nil

	case "release_weak":
		w, ok := r.weaks[s.Name]
		if !ok {
			return fmt.Errorf("unknown weak ref %q", s.Name)
		}
		r.rt.ReleaseWeakRef(w)
		delete(r.weaks, s.Name)
		return nil

	case "expect_size":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		got := storage.Payload(r.gc, arr.Ref()).Size(r.gc)
		if got != s.Size {
			return fmt.Errorf("size = %d, expected %d", got, s.Size)
		}
		return nil

	case "expect_number":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		got := storage.Payload(r.gc, arr.Ref()).At(r.gc, s.Index)
		if !got.Equal(value.Number(s.Number)) {
			return fmt.Errorf("element %d = %s, expected %g", s.Index, got, s.Number)
		}
		return nil

	case "expect_empty":
		arr, err := r.array(s.Name)
		if err != nil {
			return err
		}
		got := storage.Payload(r.gc, arr.Ref()).At(r.gc, s.Index)
		if !got.IsEmpty() {
			return fmt.Errorf("element %d = %s, expected empty", s.Index, got)
		}
		return nil

	case "expect_text":
		var ref value.Ref
		if s.Of != "" {
			arr, err := r.array(s.Of)
			if err != nil {
				return err
			}
			ref = storage.Payload(r.gc, arr.Ref()).At(r.gc, s.Index).Ref()
		} else {
			h, ok := r.strings[s.Name]
			if !ok {
				return fmt.Errorf("unknown string %q", s.Name)
			}
			ref = h.Ref()
		}
		if got := runtime.StringText(r.gc, ref); got != s.Text {
			return fmt.Errorf("text = %q, expected %q", got, s.Text)
		}
		return nil

	case "expect_weak":
		w, ok := r.weaks[s.Name]
		if !ok {
			return fmt.Errorf("unknown weak ref %q", s.Name)
		}
		if s.Valid == nil {
			return errors.New("expect_weak requires valid:")
		}
		if w.IsValid() != *s.Valid {
			return fmt.Errorf("weak valid = %v, expected %v", w.IsValid(), *s.Valid)
		}
		return nil

	case "expect_live_cells":
		if s.Cells == nil {
			return errors.New("expect_live_cells requires cells:")
		}
		if got := r.gc.NumCells(); got != *s.Cells {
			return fmt.Errorf("live cells = %d, expected %d", got, *s.Cells)
		}
		return nil

	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
}

// checkRangeError reports whether err satisfied a want_range_error step
func (r *Runner) checkRangeError(s Step, err error) bool {
	if !s.WantRangeError {
		return false
	}
	var rangeErr *storage.RangeError
	return errors.As(err, &rangeErr)
}

func (r *Runner) array(name string) (heap.Handle, error) {
	h, ok := r.arrays[name]
	if !ok {
		return heap.Handle{}, fmt.Errorf("unknown array %q", name)
	}
	return h, nil
}

func (r *Runner) refOf(name string) (value.Ref, error) {
	if h, ok := r.arrays[name]; ok {
		return h.Ref(), nil
	}
	if h, ok := r.strings[name]; ok {
		return h.Ref(), nil
	}
	return value.NilRef, fmt.Errorf("unknown name %q", name)
}

// Package conformance runs YAML-described heap scenarios: scripted sequences
// of allocations, array operations, collections, and expectations. The
// scenarios live in testdata/ and double as executable documentation of the
// collector's observable behavior.
package conformance

// Suite represents a complete YAML scenario file
type Suite struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Config      *Tuning  `yaml:"config,omitempty"`
	Scenarios   []Script `yaml:"scenarios"`
}

// Tuning overrides collector settings for the whole suite
type Tuning struct {
	InitHeapSize uint64  `yaml:"init_heap_size,omitempty"`
	MaxHeapSize  uint64  `yaml:"max_heap_size,omitempty"`
	SanitizeRate float64 `yaml:"sanitize_rate,omitempty"`
	SanitizeSeed int64   `yaml:"sanitize_seed,omitempty"`
}

// Script is one named scenario: a fresh runtime and a step sequence
type Script struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Skip        string `yaml:"skip,omitempty"`
	Steps       []Step `yaml:"steps"`
}

// Step is one scripted operation. Op selects the action; the remaining
// fields parameterize it and most are optional.
type Step struct {
	Op string `yaml:"op"`

	// Name identifies the array, string, or weak ref the step acts on.
	Name string `yaml:"name,omitempty"`
	// Of names the step's other operand (weak_ref referent, array for at).
	Of string `yaml:"of,omitempty"`

	Capacity uint32  `yaml:"capacity,omitempty"`
	Size     uint32  `yaml:"size,omitempty"`
	Index    uint32  `yaml:"index,omitempty"`
	Count    uint32  `yaml:"count,omitempty"`
	Start    float64 `yaml:"start,omitempty"`
	Number   float64 `yaml:"number,omitempty"`
	Text     string  `yaml:"text,omitempty"`
	Prefix   string  `yaml:"prefix,omitempty"`

	// Valid is the expected liveness for expect_weak.
	Valid *bool `yaml:"valid,omitempty"`
	// Cells is the expected arena population for expect_live_cells.
	Cells *int `yaml:"cells,omitempty"`
	// WantRangeError expects the operation to fail with a range error.
	WantRangeError bool `yaml:"want_range_error,omitempty"`
}

// IsSkipped reports whether the scenario is disabled, with its reason
func (s *Script) IsSkipped() (bool, string) {
	if s.Skip == "" {
		return false, ""
	}
	return true, s.Skip
}

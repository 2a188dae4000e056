package heap

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TripwireContext is passed to the tripwire callback when live-data size
// crosses the configured limit. Purely informational.
type TripwireContext struct {
	HeapName  string
	LiveBytes uint64
	Limit     uint64
}

// Config holds the collector's tuning parameters. The zero value is not
// usable; start from DefaultConfig or LoadConfig.
type Config struct {
	// Name identifies this heap in logs and stats output.
	Name string `yaml:"name"`

	// InitHeapSize is the heap capacity at construction, in bytes.
	InitHeapSize uint64 `yaml:"init_heap_size"`

	// MaxHeapSize is the capacity the heap may grow to before an allocation
	// failure becomes fatal.
	MaxHeapSize uint64 `yaml:"max_heap_size"`

	// TripwireLimit fires the tripwire callback once live data after a
	// collection exceeds this many bytes. Zero disables the tripwire.
	TripwireLimit uint64 `yaml:"tripwire_limit"`

	// TripwireCooldown is the minimum interval between tripwire firings.
	TripwireCooldown time.Duration `yaml:"tripwire_cooldown"`

	// Strict enables internal invariant assertions. On in tests, off in
	// release; violations are fatal either way once detected.
	Strict bool `yaml:"strict"`

	// SanitizeRate is the probability, per allocation, of forcing a moving
	// collection to surface dangling handles early. Zero disables it.
	SanitizeRate float64 `yaml:"sanitize_rate"`

	// SanitizeSeed seeds the sanitizer coin flip; zero means a time seed.
	SanitizeSeed int64 `yaml:"sanitize_seed"`

	// TripwireCallback observes tripwire crossings. Never affects behavior.
	TripwireCallback func(ctx TripwireContext) `yaml:"-"`

	// FatalHandler receives unrecoverable errors (out-of-memory, invariant
	// violations). It must not return; the default logs and exits. Tests
	// install a handler that panics.
	FatalHandler func(format string, args ...any) `yaml:"-"`
}

// UnmarshalYAML decodes a config, accepting tripwire_cooldown as a duration
// string ("90s", "1h30m").
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name             *string  `yaml:"name"`
		InitHeapSize     *uint64  `yaml:"init_heap_size"`
		MaxHeapSize      *uint64  `yaml:"max_heap_size"`
		TripwireLimit    *uint64  `yaml:"tripwire_limit"`
		TripwireCooldown *string  `yaml:"tripwire_cooldown"`
		Strict           *bool    `yaml:"strict"`
		SanitizeRate     *float64 `yaml:"sanitize_rate"`
		SanitizeSeed     *int64   `yaml:"sanitize_seed"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Name != nil {
		c.Name = *raw.Name
	}
	if raw.InitHeapSize != nil {
		c.InitHeapSize = *raw.InitHeapSize
	}
	if raw.MaxHeapSize != nil {
		c.MaxHeapSize = *raw.MaxHeapSize
	}
	if raw.TripwireLimit != nil {
		c.TripwireLimit = *raw.TripwireLimit
	}
	if raw.TripwireCooldown != nil {
		d, err := time.ParseDuration(*raw.TripwireCooldown)
		if err != nil {
			return fmt.Errorf("parse tripwire_cooldown: %w", err)
		}
		c.TripwireCooldown = d
	}
	if raw.Strict != nil {
		c.Strict = *raw.Strict
	}
	if raw.SanitizeRate != nil {
		c.SanitizeRate = *raw.SanitizeRate
	}
	if raw.SanitizeSeed != nil {
		c.SanitizeSeed = *raw.SanitizeSeed
	}
	return nil
}

// DefaultConfig returns the baseline tuning used when no config is supplied
func DefaultConfig() Config {
	return Config{
		Name:             "cairn",
		InitHeapSize:     1 << 20,
		MaxHeapSize:      512 << 20,
		TripwireCooldown: time.Hour,
	}
}

// LoadConfig reads a YAML config file, applying defaults for absent fields
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for contradictions
func (c *Config) Validate() error {
	if c.MaxHeapSize < c.InitHeapSize {
		return fmt.Errorf("max_heap_size %d smaller than init_heap_size %d", c.MaxHeapSize, c.InitHeapSize)
	}
	if c.SanitizeRate < 0 || c.SanitizeRate > 1 {
		return fmt.Errorf("sanitize_rate %g outside [0, 1]", c.SanitizeRate)
	}
	return nil
}

package heap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
name: testheap
init_heap_size: 4096
max_heap_size: 65536
tripwire_limit: 32768
tripwire_cooldown: 90s
strict: true
sanitize_rate: 0.25
sanitize_seed: 7
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "testheap" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.InitHeapSize != 4096 || cfg.MaxHeapSize != 65536 {
		t.Errorf("heap sizes = %d/%d", cfg.InitHeapSize, cfg.MaxHeapSize)
	}
	if cfg.TripwireLimit != 32768 {
		t.Errorf("tripwire limit = %d", cfg.TripwireLimit)
	}
	if cfg.TripwireCooldown != 90*time.Second {
		t.Errorf("tripwire cooldown = %v", cfg.TripwireCooldown)
	}
	if !cfg.Strict {
		t.Error("strict not set")
	}
	if cfg.SanitizeRate != 0.25 || cfg.SanitizeSeed != 7 {
		t.Errorf("sanitize = %g/%d", cfg.SanitizeRate, cfg.SanitizeSeed)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "name: partial\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.InitHeapSize != def.InitHeapSize || cfg.MaxHeapSize != def.MaxHeapSize {
		t.Errorf("defaults not applied: %d/%d", cfg.InitHeapSize, cfg.MaxHeapSize)
	}
	if cfg.TripwireCooldown != def.TripwireCooldown {
		t.Errorf("cooldown default not applied: %v", cfg.TripwireCooldown)
	}
}

func TestLoadConfigBadCooldown(t *testing.T) {
	path := writeConfigFile(t, "tripwire_cooldown: soon\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for an unparsable cooldown")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"max below init", func(c *Config) { c.MaxHeapSize = c.InitHeapSize - 1 }, true},
		{"negative sanitize rate", func(c *Config) { c.SanitizeRate = -0.1 }, true},
		{"sanitize rate above one", func(c *Config) { c.SanitizeRate = 1.1 }, true},
		{"sanitize rate one", func(c *Config) { c.SanitizeRate = 1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

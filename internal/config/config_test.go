package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.ObjectManager.MaxResidentObjects != 100000 {
		t.Errorf("expected default max resident 100000, got %d", cfg.ObjectManager.MaxResidentObjects)
	}
	if cfg.Metadata.Backend != "memory" {
		t.Errorf("expected memory metadata backend, got %s", cfg.Metadata.Backend)
	}
	if !cfg.GC.Enabled {
		t.Error("expected gc to be enabled by default")
	}
	if cfg.GC.YoungGenEnabled {
		t.Error("expected young generation to be off by default")
	}
	if cfg.Eviction.Overshoot != 15 {
		t.Errorf("expected overshoot 15, got %d", cfg.Eviction.Overshoot)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
objectManager:
  maxResidentObjects: 10
gc:
  youngGenEnabled: true
events:
  backend: kafka
  brokers: [b1:9092, b2:9092]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ObjectManager.MaxResidentObjects != 10 {
		t.Errorf("maxResidentObjects = %d", cfg.ObjectManager.MaxResidentObjects)
	}
	if cfg.ObjectManager.DeleteBatchSize != 500 {
		t.Errorf("unset field lost its default: %d", cfg.ObjectManager.DeleteBatchSize)
	}
	if !cfg.GC.YoungGenEnabled {
		t.Error("youngGenEnabled not applied")
	}
	if !reflect.DeepEqual(cfg.Events.Brokers, []string{"b1:9092", "b2:9092"}) {
		t.Errorf("brokers = %v", cfg.Events.Brokers)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if cfg.Node.AdminAddr != ":7070" {
		t.Errorf("admin addr = %s", cfg.Node.AdminAddr)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("gc:\n  enabledd: true\n")); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HEAPD_NODE_ID":                  "node-7",
		"HEAPD_GC_ENABLED":               "false",
		"HEAPD_EVICTION_MAPS_PER_SECOND": "12.5",
		"HEAPD_EVENTS_BROKERS":           "a:1, b:2",
		"HEAPD_EVENTS_PARTITIONS":        "6",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Node.ID != "node-7" {
		t.Errorf("node id = %q", cfg.Node.ID)
	}
	if cfg.GC.Enabled {
		t.Error("gc should be disabled")
	}
	if cfg.Eviction.MapsPerSecond != 12.5 {
		t.Errorf("maps per second = %v", cfg.Eviction.MapsPerSecond)
	}
	if !reflect.DeepEqual(cfg.Events.Brokers, []string{"a:1", "b:2"}) {
		t.Errorf("brokers = %v", cfg.Events.Brokers)
	}
	if cfg.Events.Partitions != 6 {
		t.Errorf("partitions = %d", cfg.Events.Partitions)
	}
}

func TestApplyEnvBadValue(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "HEAPD_DELETE_BATCH_SIZE" {
			return "lots", true
		}
		return "", false
	}
	err := applyEnv(reflect.ValueOf(Default()).Elem(), lookup)
	if err == nil || !strings.Contains(err.Error(), "HEAPD_DELETE_BATCH_SIZE") {
		t.Errorf("expected error naming the variable, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"oxia without endpoint", func(c *Config) { c.Metadata.Backend = "oxia"; c.Metadata.OxiaEndpoint = "" }, "oxiaEndpoint"},
		{"s3 without bucket", func(c *Config) { c.ObjectStore.Backend = "s3" }, "bucket"},
		{"bad compression", func(c *Config) { c.ObjectStore.Compression = "gzip" }, "compression"},
		{"kafka without brokers", func(c *Config) { c.Events.Backend = "kafka" }, "brokers"},
		{"negative overshoot", func(c *Config) { c.Eviction.Overshoot = -1 }, "overshoot"},
		{"zero quiescence timeout", func(c *Config) { c.ObjectManager.QuiescenceTimeoutMs = 0 }, "quiescenceTimeoutMs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heapd.yaml")
	if err := os.WriteFile(path, []byte("observability:\n  logLevel: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HEAPD_LOG_FORMAT", "text")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Observability.LogLevel != "debug" || cfg.Observability.LogFormat != "text" {
		t.Errorf("observability = %+v", cfg.Observability)
	}

	t.Setenv(EnvConfigPath, path)
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("Load did not read %s", path)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

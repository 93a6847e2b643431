package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable Load reads the config file path from.
const EnvConfigPath = "HEAPD_CONFIG"

// Load reads the file named by HEAPD_CONFIG, or starts from Default when
// the variable is unset, then applies environment overrides.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromPath reads a YAML file over Default, applies environment
// overrides and validates the result.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem(), os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combinations the node cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.ObjectManager.MaxResidentObjects <= 0 {
		errs = append(errs, errors.New("objectManager.maxResidentObjects must be positive"))
	}
	if c.ObjectManager.MaxReachablePrefetch < 0 {
		errs = append(errs, errors.New("objectManager.maxReachablePrefetch must not be negative"))
	}
	if c.ObjectManager.QuiescenceTimeoutMs <= 0 {
		errs = append(errs, errors.New("objectManager.quiescenceTimeoutMs must be positive"))
	}
	if c.ObjectManager.DeleteBatchSize <= 0 {
		errs = append(errs, errors.New("objectManager.deleteBatchSize must be positive"))
	}
	if c.GC.Enabled {
		if c.GC.FullIntervalMs <= 0 {
			errs = append(errs, errors.New("gc.fullIntervalMs must be positive"))
		}
		if c.GC.YoungGenEnabled && c.GC.YoungIntervalMs <= 0 {
			errs = append(errs, errors.New("gc.youngIntervalMs must be positive when young generation is enabled"))
		}
	}
	if c.GC.MaxFailedPauses <= 0 {
		errs = append(errs, errors.New("gc.maxFailedPauses must be positive"))
	}
	if c.Eviction.Enabled && c.Eviction.PeriodMs <= 0 {
		errs = append(errs, errors.New("eviction.periodMs must be positive"))
	}
	if c.Eviction.Overshoot < 0 {
		errs = append(errs, errors.New("eviction.overshoot must not be negative"))
	}
	if c.Eviction.MaxConcurrentMaps <= 0 {
		errs = append(errs, errors.New("eviction.maxConcurrentMaps must be positive"))
	}
	switch c.Metadata.Backend {
	case "memory":
	case "oxia":
		if c.Metadata.OxiaEndpoint == "" {
			errs = append(errs, errors.New("metadata.oxiaEndpoint is required for the oxia backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("metadata.backend %q is not one of memory, oxia", c.Metadata.Backend))
	}
	switch c.ObjectStore.Backend {
	case "memory":
	case "s3":
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("objectStore.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("objectStore.backend %q is not one of memory, s3", c.ObjectStore.Backend))
	}
	switch c.ObjectStore.Compression {
	case "none", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("objectStore.compression %q is not one of none, snappy, lz4, zstd", c.ObjectStore.Compression))
	}
	switch c.Events.Backend {
	case "none":
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, errors.New("events.brokers is required for the kafka backend"))
		}
		if c.Events.Topic == "" {
			errs = append(errs, errors.New("events.topic is required for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.backend %q is not one of none, kafka", c.Events.Backend))
	}
	return errors.Join(errs...)
}

// applyEnv walks the struct and overrides every field carrying an env tag
// whose variable is set. Slices are comma separated.
func applyEnv(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, lookup); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s=%q: %w", name, raw, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

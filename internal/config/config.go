// Package config provides configuration loading and validation for heapd.
// Supports YAML files with environment variable overrides.
package config

// Config holds all configuration for a heapd node.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	ObjectManager ObjectManagerConfig `yaml:"objectManager"`
	GC            GCConfig            `yaml:"gc"`
	Eviction      EvictionConfig      `yaml:"eviction"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NodeConfig struct {
	// ID identifies this node in logs and published events. Generated when empty.
	ID        string `yaml:"id" env:"HEAPD_NODE_ID"`
	AdminAddr string `yaml:"adminAddr" env:"HEAPD_ADMIN_ADDR"`
}

type ObjectManagerConfig struct {
	MaxResidentObjects   int   `yaml:"maxResidentObjects" env:"HEAPD_MAX_RESIDENT_OBJECTS"`
	MaxReachablePrefetch int   `yaml:"maxReachablePrefetch" env:"HEAPD_MAX_REACHABLE_PREFETCH"`
	QuiescenceTimeoutMs  int64 `yaml:"quiescenceTimeoutMs" env:"HEAPD_QUIESCENCE_TIMEOUT_MS"`
	DeleteBatchSize      int   `yaml:"deleteBatchSize" env:"HEAPD_DELETE_BATCH_SIZE"`
}

type GCConfig struct {
	Enabled         bool  `yaml:"enabled" env:"HEAPD_GC_ENABLED"`
	FullIntervalMs  int64 `yaml:"fullIntervalMs" env:"HEAPD_GC_FULL_INTERVAL_MS"`
	YoungIntervalMs int64 `yaml:"youngIntervalMs" env:"HEAPD_GC_YOUNG_INTERVAL_MS"`
	YoungGenEnabled bool  `yaml:"youngGenEnabled" env:"HEAPD_GC_YOUNG_ENABLED"`
	MaxFailedPauses int   `yaml:"maxFailedPauses" env:"HEAPD_GC_MAX_FAILED_PAUSES"`
	HistorySize     int   `yaml:"historySize" env:"HEAPD_GC_HISTORY_SIZE"`
}

type EvictionConfig struct {
	Enabled           bool    `yaml:"enabled" env:"HEAPD_EVICTION_ENABLED"`
	PeriodMs          int64   `yaml:"periodMs" env:"HEAPD_EVICTION_PERIOD_MS"`
	Overshoot         int     `yaml:"overshoot" env:"HEAPD_EVICTION_OVERSHOOT"`
	MinSampleCount    int     `yaml:"minSampleCount" env:"HEAPD_EVICTION_MIN_SAMPLES"`
	ExpirySampleCount int     `yaml:"expirySampleCount" env:"HEAPD_EVICTION_EXPIRY_SAMPLES"`
	MaxConcurrentMaps int     `yaml:"maxConcurrentMaps" env:"HEAPD_EVICTION_MAX_CONCURRENT_MAPS"`
	MapsPerSecond     float64 `yaml:"mapsPerSecond" env:"HEAPD_EVICTION_MAPS_PER_SECOND"`
}

type MetadataConfig struct {
	// Backend is "memory" or "oxia".
	Backend      string `yaml:"backend" env:"HEAPD_METADATA_BACKEND"`
	OxiaEndpoint string `yaml:"oxiaEndpoint" env:"HEAPD_OXIA_ENDPOINT"`
	Namespace    string `yaml:"namespace" env:"HEAPD_OXIA_NAMESPACE"`
}

type ObjectStoreConfig struct {
	// Backend is "memory" or "s3".
	Backend   string `yaml:"backend" env:"HEAPD_OBJECTSTORE_BACKEND"`
	Endpoint  string `yaml:"endpoint" env:"HEAPD_S3_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"HEAPD_S3_BUCKET"`
	Region    string `yaml:"region" env:"HEAPD_S3_REGION"`
	AccessKey string `yaml:"accessKey" env:"HEAPD_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"HEAPD_S3_SECRET_KEY"`
	Prefix    string `yaml:"prefix" env:"HEAPD_S3_PREFIX"`
	// Compression is one of none, snappy, lz4, zstd.
	Compression string `yaml:"compression" env:"HEAPD_OBJECT_COMPRESSION"`
}

type EventsConfig struct {
	// Backend is "none" or "kafka".
	Backend           string   `yaml:"backend" env:"HEAPD_EVENTS_BACKEND"`
	Brokers           []string `yaml:"brokers" env:"HEAPD_EVENTS_BROKERS"`
	Topic             string   `yaml:"topic" env:"HEAPD_EVENTS_TOPIC"`
	Partitions        int32    `yaml:"partitions" env:"HEAPD_EVENTS_PARTITIONS"`
	ReplicationFactor int16    `yaml:"replicationFactor" env:"HEAPD_EVENTS_REPLICATION_FACTOR"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"HEAPD_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"HEAPD_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"HEAPD_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			AdminAddr: ":7070",
		},
		ObjectManager: ObjectManagerConfig{
			MaxResidentObjects:   100000,
			MaxReachablePrefetch: 64,
			QuiescenceTimeoutMs:  30000,
			DeleteBatchSize:      500,
		},
		GC: GCConfig{
			Enabled:         true,
			FullIntervalMs:  3600000, // 1 hour
			YoungIntervalMs: 180000,  // 3 minutes
			YoungGenEnabled: false,
			MaxFailedPauses: 5,
			HistorySize:     64,
		},
		Eviction: EvictionConfig{
			Enabled:           true,
			PeriodMs:          5000,
			Overshoot:         15,
			MinSampleCount:    100,
			ExpirySampleCount: 100,
			MaxConcurrentMaps: 4,
			MapsPerSecond:     200,
		},
		Metadata: MetadataConfig{
			Backend:      "memory",
			OxiaEndpoint: "localhost:6648",
			Namespace:    "heapd",
		},
		ObjectStore: ObjectStoreConfig{
			Backend:     "memory",
			Region:      "us-east-1",
			Prefix:      "heapd",
			Compression: "snappy",
		},
		Events: EventsConfig{
			Backend:           "none",
			Topic:             "heapd-events",
			Partitions:        1,
			ReplicationFactor: 1,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

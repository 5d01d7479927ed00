// Package config reads process settings from the environment. Data set
// declarations live in YAML documents handled by the catalog package.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type EventsCfg struct {
	Enabled   bool
	Brokers   string
	Topic     string
	QueueSize int
	// Group enables the peer consumer when set.
	Group string
}

type Config struct {
	DataPath   string
	ConfigPath string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	RasterEngine  string
	GDALBinDir    string
	EngineTimeout time.Duration

	ConfigPollInterval time.Duration
	ImportInterval     time.Duration
	RetentionInterval  time.Duration

	RedisAddr       string
	RedisPoolSize   int
	CacheTTLDefault time.Duration
	CacheOpTimeout  time.Duration

	Events    EventsCfg
	HistoryDB string

	FormulaMaxSources       int
	FormulaFetchConcurrency int

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string
}

func FromEnv() Config {
	dataPath := getenv("DATA_PATH", "/home/data")
	engine := strings.ToLower(getenv("RASTER_ENGINE", "auto"))
	switch engine {
	case "gdal", "native", "auto":
	default:
		engine = "auto"
	}

	return Config{
		DataPath:   filepath.Clean(dataPath),
		ConfigPath: filepath.Clean(getenv("CONFIG_PATH", "/home/config")),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		RasterEngine:  engine,
		GDALBinDir:    getenv("GDAL_BIN_DIR", ""),
		EngineTimeout: getduration("ENGINE_TIMEOUT", 2*time.Minute),

		ConfigPollInterval: getduration("CONFIG_POLL_INTERVAL", 5*time.Second),
		ImportInterval:     getduration("IMPORT_INTERVAL", 5*time.Second),
		RetentionInterval:  getduration("RETENTION_INTERVAL", 30*time.Minute),

		RedisAddr:       getenv("REDIS_ADDR", ""),
		RedisPoolSize:   getint("REDIS_POOL_SIZE", 32),
		CacheTTLDefault: getduration("CACHE_TTL_DEFAULT", 10*time.Minute),
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		Events: EventsCfg{
			Enabled:   getbool("EVENTS_ENABLED", false),
			Brokers:   getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:     getenv("KAFKA_TOPIC", "geoarchive-events"),
			QueueSize: getint("EVENTS_QUEUE", 1024),
			Group:     getenv("EVENTS_GROUP", ""),
		},
		HistoryDB: getenv("HISTORY_DB", ""),

		FormulaMaxSources:       getint("FORMULA_MAX_SOURCES", 8),
		FormulaFetchConcurrency: getint("FORMULA_FETCH_CONCURRENCY", 4),

		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
	}
}

// BrokerList splits the comma separated broker list.
func (e EventsCfg) BrokerList() []string {
	var out []string
	for b := range strings.SplitSeq(e.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

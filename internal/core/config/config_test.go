package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("DATA_PATH", "")
	t.Setenv("RASTER_ENGINE", "")
	cfg := FromEnv()
	if cfg.DataPath != "/home/data" {
		t.Fatalf("DataPath=%q", cfg.DataPath)
	}
	if cfg.RasterEngine != "auto" {
		t.Fatalf("RasterEngine=%q want auto", cfg.RasterEngine)
	}
	if cfg.RetentionInterval != 30*time.Minute {
		t.Fatalf("RetentionInterval=%v", cfg.RetentionInterval)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATA_PATH", "/tmp/data/")
	t.Setenv("RASTER_ENGINE", "NATIVE")
	t.Setenv("ENGINE_TIMEOUT", "30s")
	t.Setenv("EVENTS_ENABLED", "yes")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("EVENTS_GROUP", "geoarchive-node-1")
	t.Setenv("REDIS_POOL_SIZE", "8")
	cfg := FromEnv()
	if cfg.DataPath != "/tmp/data" {
		t.Fatalf("DataPath=%q", cfg.DataPath)
	}
	if cfg.RasterEngine != "native" {
		t.Fatalf("RasterEngine=%q", cfg.RasterEngine)
	}
	if cfg.EngineTimeout != 30*time.Second {
		t.Fatalf("EngineTimeout=%v", cfg.EngineTimeout)
	}
	if !cfg.Events.Enabled {
		t.Fatal("events should be enabled")
	}
	if got := cfg.Events.BrokerList(); len(got) != 2 || got[1] != "b:9092" {
		t.Fatalf("brokers=%v", got)
	}
	if cfg.Events.Group != "geoarchive-node-1" || cfg.RedisPoolSize != 8 {
		t.Fatalf("group=%q pool=%d", cfg.Events.Group, cfg.RedisPoolSize)
	}
}

func TestFromEnv_UnknownEngineFallsBack(t *testing.T) {
	t.Setenv("RASTER_ENGINE", "magic")
	if got := FromEnv().RasterEngine; got != "auto" {
		t.Fatalf("RasterEngine=%q want auto", got)
	}
}

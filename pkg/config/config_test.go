package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ControlPlanePort != 8080 {
		t.Fatalf("control plane port = %d, want 8080", cfg.Server.ControlPlanePort)
	}
	if cfg.Server.EvaluationServicePort != 8081 {
		t.Fatalf("evaluation port = %d, want 8081", cfg.Server.EvaluationServicePort)
	}
	if cfg.Flags.CacheTTL.Seconds() != 300 {
		t.Fatalf("cache ttl = %s, want 300s", cfg.Flags.CacheTTL)
	}
	if cfg.Flags.LocalCacheTTL.Seconds() != 30 {
		t.Fatalf("local cache ttl = %s, want 30s", cfg.Flags.LocalCacheTTL)
	}
	if cfg.Database.MaxConns != 20 {
		t.Fatalf("db max conns = %d, want 20", cfg.Database.MaxConns)
	}
	if cfg.Flags.MaxBatchSize != 50 {
		t.Fatalf("max batch size = %d, want 50", cfg.Flags.MaxBatchSize)
	}
}

func TestEnvAliases(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "flags_prod")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("API_KEY", "super-secret")
	t.Setenv("CONTROL_PLANE_PORT", "9000")
	t.Setenv("EVALUATOR_URL", "http://eval.internal:8081")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Database != "flags_prod" {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Redis.Host != "redis.internal" {
		t.Fatalf("redis host = %s", cfg.Redis.Host)
	}
	if cfg.Auth.APIKey != "super-secret" {
		t.Fatalf("api key = %q", cfg.Auth.APIKey)
	}
	if cfg.Server.ControlPlanePort != 9000 {
		t.Fatalf("control plane port = %d", cfg.Server.ControlPlanePort)
	}
	if cfg.Flags.EvaluatorURL != "http://eval.internal:8081" {
		t.Fatalf("evaluator url = %s", cfg.Flags.EvaluatorURL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{ControlPlanePort: 8080, EvaluationServicePort: 8081},
			Database: DatabaseConfig{Host: "localhost", Database: "featureflow"},
			Redis:    RedisConfig{Host: "localhost"},
			Flags:    FlagConfig{MaxBatchSize: 50},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := valid()
	bad.Server.ControlPlanePort = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("zero port accepted")
	}

	bad = valid()
	bad.Database.Host = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("missing db host accepted")
	}

	bad = valid()
	bad.Flags.MaxBatchSize = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("zero batch size accepted")
	}
}

func TestGetDatabaseDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		Host: "db", Port: 5432, Database: "featureflow",
		Username: "postgres", Password: "pw", SSLMode: "disable",
	}}
	want := "postgres://postgres:pw@db:5432/featureflow?sslmode=disable"
	if got := cfg.GetDatabaseDSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}

func TestGetRedisAddr(t *testing.T) {
	cfg := &Config{Redis: RedisConfig{Host: "redis", Port: 6379}}
	if got := cfg.GetRedisAddr(); got != "redis:6379" {
		t.Fatalf("addr = %q", got)
	}
}

package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "marketplace"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.RingTimeout != 30*time.Second {
		t.Fatalf("expected 30s ring timeout, got %s", c.Calls.RingTimeout)
	}
	if c.Calls.ActiveTTL != time.Hour {
		t.Fatalf("expected 1h active ttl, got %s", c.Calls.ActiveTTL)
	}
	if c.Presence.TTL != 5*time.Minute || c.Presence.OfflineTTL != time.Minute {
		t.Fatalf("unexpected presence ttls: %+v", c.Presence)
	}
	if c.Presence.Retention != 10*time.Minute {
		t.Fatalf("expected 10m retention, got %s", c.Presence.Retention)
	}
	if c.Kafka.PushTopic != "push-notifications" {
		t.Fatalf("expected default push topic, got %q", c.Kafka.PushTopic)
	}
}

func TestValidate_RejectsActiveTTLBelowRingWindow(t *testing.T) {
	c := validLocal()
	c.Calls.RingTimeout = time.Minute
	c.Calls.ActiveTTL = 30 * time.Second
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for active ttl below ring window")
	}
}

func TestValidate_RejectsBadNATSURL(t *testing.T) {
	c := validLocal()
	c.NATS.URL = "http://localhost:4222"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for non-nats url")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
}

func TestValidate_RejectsRedisDBOutOfRange(t *testing.T) {
	c := validLocal()
	c.Redis.DB = 16
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for REDIS_DB 16")
	}
}

func TestParseBool(t *testing.T) {
	for in, want := range map[string]bool{"true": true, " 1 ": true, "false": false, "": false, "yes": false} {
		if got := parseBool(in); got != want {
			t.Fatalf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("NODE_ID", "node-a")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "calls")
	t.Setenv("DB_NAME", "marketplace")
	t.Setenv("DB_AUTO_MIGRATE", "true")
	t.Setenv("DB_MAX_OPEN_CONNS", "12")
	t.Setenv("DB_MAX_IDLE_CONNS", "4")
	t.Setenv("DB_CONN_MAX_LIFETIME", "10m")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALL_RING_TIMEOUT", "20s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.NodeID != "node-a" || !c.DB.AutoMigrate || c.Redis.DB != 2 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.DB.MaxOpenConns != 12 || c.DB.MaxIdleConns != 4 || c.DB.ConnMaxLifetime != 10*time.Minute || c.DB.ConnMaxIdleTime != 0 {
		t.Fatalf("unexpected pool settings %+v", c.DB)
	}
	if c.Calls.RingTimeout != 20*time.Second {
		t.Fatalf("expected 20s ring timeout, got %s", c.Calls.RingTimeout)
	}
	if len(c.Kafka.Brokers) != 2 {
		t.Fatalf("expected two brokers, got %v", c.Kafka.Brokers)
	}
	if c.RedisAddr() != "redis:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}

func TestValidate_PoolSettings(t *testing.T) {
	c := validLocal()
	c.DB.MaxOpenConns = 5
	c.DB.MaxIdleConns = 10
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for idle above open")
	}

	c = validLocal()
	c.DB.MaxOpenConns = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for negative pool size")
	}

	c = validLocal()
	c.DB.MaxIdleConns = 10
	if err := c.Validate(); err != nil {
		t.Fatalf("idle alone is fine when open is unset: %v", err)
	}
}

func TestLoad_RejectsNonNumericPoolSize(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "calls")
	t.Setenv("DB_NAME", "marketplace")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_MAX_OPEN_CONNS", "lots")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error for DB_MAX_OPEN_CONNS")
	}
}

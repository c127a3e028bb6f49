package orchestrator

import (
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/txsaga/orchestrator/storage/idempotency"
	"github.com/txsaga/orchestrator/storage/lock"
)

// EnvPrefix is the environment-variable prefix every setting is read
// under, following the teacher's env.Provider convention in
// necyber-goclaw/config/loader.go (there GOCLAW_, here TXSAGA_).
const EnvPrefix = "TXSAGA_"

// Config holds the environment-sourced settings of §6: lock TTL,
// connection parameters for the queue and kv service, and the
// idempotency binding TTL.
type Config struct {
	LockTTLSeconds        int    `koanf:"lock_ttl_seconds"`
	PostgresDSN           string `koanf:"postgres_dsn"`
	RedisAddr             string `koanf:"redis_addr"`
	RedisPassword         string `koanf:"redis_password"`
	IdempotencyTTLSeconds int    `koanf:"idempotency_ttl_seconds"`
	JobAttempts           int    `koanf:"job_attempts"`
	PollIntervalSeconds   int    `koanf:"poll_interval_seconds"`
	BatchSize             int    `koanf:"batch_size"`
}

// DefaultConfig mirrors the documented defaults of §4.2/§4.6/§6:
// 30s lock TTL, 3600s idempotency TTL, a single queue-level attempt.
func DefaultConfig() Config {
	return Config{
		LockTTLSeconds:        int(lock.DefaultTTL.Seconds()),
		PostgresDSN:           "postgres://localhost:5432/txsaga?sslmode=disable",
		RedisAddr:             "localhost:6379",
		IdempotencyTTLSeconds: int(idempotency.DefaultTTL.Seconds()),
		JobAttempts:           1,
		PollIntervalSeconds:   1,
		BatchSize:             10,
	}
}

// LoadConfig reads TXSAGA_-prefixed environment variables over
// DefaultConfig, following the teacher's env.Provider key-transform
// pattern (TXSAGA_REDIS_ADDR -> redis_addr).
func LoadConfig() (Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := k.Load(structProvider(defaults), nil); err != nil {
		return Config{}, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LockTTL converts the configured seconds into a time.Duration,
// falling back to lock.DefaultTTL when unset.
func (c Config) LockTTL() time.Duration {
	if c.LockTTLSeconds <= 0 {
		return lock.DefaultTTL
	}
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// IdempotencyTTL converts the configured seconds into a time.Duration,
// falling back to idempotency.DefaultTTL when unset.
func (c Config) IdempotencyTTL() time.Duration {
	if c.IdempotencyTTLSeconds <= 0 {
		return idempotency.DefaultTTL
	}
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

// PollInterval converts the configured seconds into a time.Duration
// for Worker.Run, defaulting to 1 second.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// structProvider adapts a Config value into a koanf.Provider without
// pulling in koanf's confmap provider just for a flat struct: koanf's
// own Unmarshal only reads from providers, so defaults must be loaded
// through one too.
func structProvider(cfg Config) koanf.Provider {
	return flatProvider{
		"lock_ttl_seconds":        cfg.LockTTLSeconds,
		"postgres_dsn":            cfg.PostgresDSN,
		"redis_addr":              cfg.RedisAddr,
		"redis_password":          cfg.RedisPassword,
		"idempotency_ttl_seconds": cfg.IdempotencyTTLSeconds,
		"job_attempts":            cfg.JobAttempts,
		"poll_interval_seconds":   cfg.PollIntervalSeconds,
		"batch_size":              cfg.BatchSize,
	}
}

type flatProvider map[string]interface{}

func (p flatProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}(p), nil
}

func (p flatProvider) ReadBytes() ([]byte, error) {
	return nil, nil
}

package factory

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PipeOpsHQ/airgen-go/state"
	"github.com/PipeOpsHQ/airgen-go/state/hybrid"
	memorystore "github.com/PipeOpsHQ/airgen-go/state/memory"
	redisstore "github.com/PipeOpsHQ/airgen-go/state/redis"
	"github.com/PipeOpsHQ/airgen-go/state/sealed"
	sqlitestore "github.com/PipeOpsHQ/airgen-go/state/sqlite"
)

const defaultSQLitePath = "./.airgen/state.db"

type Config struct {
	// Backend is sqlite, redis, hybrid or memory.
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	// Passphrase, when set, seals stored API keys.
	Passphrase string
}

func New(ctx context.Context, cfg Config) (state.Store, error) {
	_ = ctx

	store, err := open(cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Passphrase) == "" {
		return store, nil
	}
	s, err := sealed.New(store, cfg.Passphrase)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func open(cfg Config) (state.Store, error) {
	path := cfg.SQLitePath
	if strings.TrimSpace(path) == "" {
		path = defaultSQLitePath
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "sqlite":
		return sqlitestore.New(path)

	case "redis":
		return newRedisStore(cfg)

	case "hybrid":
		durable, err := sqlitestore.New(path)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(cfg)
		if err != nil {
			log.Printf("state: redis cache unavailable, continuing with sqlite only: %v", err)
			return hybrid.New(durable, nil)
		}
		return hybrid.New(durable, cache)

	case "memory":
		return memorystore.New(), nil

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use sqlite, redis, hybrid, or memory)", backend)
	}
}

func newRedisStore(cfg Config) (state.Store, error) {
	addr := cfg.RedisAddr
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:6379"
	}
	opts := []redisstore.Option{
		redisstore.WithPassword(cfg.RedisPassword),
		redisstore.WithDB(cfg.RedisDB),
		redisstore.WithTTL(cfg.RedisTTL),
	}
	return redisstore.New(addr, opts...)
}

func FromEnv(ctx context.Context) (state.Store, error) {
	return New(ctx, Config{
		Backend:       getenv("AIRGEN_STATE_BACKEND", "sqlite"),
		SQLitePath:    getenv("AIRGEN_SQLITE_PATH", defaultSQLitePath),
		RedisAddr:     getenv("AIRGEN_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: strings.TrimSpace(os.Getenv("AIRGEN_REDIS_PASSWORD")),
		RedisDB:       getenvInt("AIRGEN_REDIS_DB", 0),
		RedisTTL:      getenvDuration("AIRGEN_REDIS_TTL", 72*time.Hour),
		Passphrase:    os.Getenv("AIRGEN_PASSPHRASE"),
	})
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

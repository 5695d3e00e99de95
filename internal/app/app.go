// Package app wires the attendance service and its infrastructure from
// configuration. The api and worker binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"attendguard/internal/attendance"
	"attendguard/internal/audit"
	"attendguard/internal/config"
	"attendguard/internal/device"
	"attendguard/internal/directory"
	"attendguard/internal/handler"
	"attendguard/internal/metrics"
	"attendguard/internal/queue"
	"attendguard/internal/replay"
	"attendguard/internal/store"
	"attendguard/internal/throttle"
	"attendguard/internal/token"
)

// App is the assembled process.
type App struct {
	Cfg        config.App
	DB         *store.DB
	Redis      *store.Redis
	Queue      queue.Queue
	AuditStore audit.Store
	Audit      *audit.Logger
	Throttle   *throttle.Throttle
	Service    *attendance.Service
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// New connects to Postgres and, when configured, Redis and builds every
// component. An unreachable database is logged, not fatal; requests then fail
// with STORE_UNAVAILABLE until it comes back.
func New(cfg config.App, m *metrics.Metrics, logger *slog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Metrics: m, Log: logger}

	db, err := store.NewDB(cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if db == nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err != nil {
		logger.Warn("database not reachable", "error", err)
	}
	a.DB = db

	if cfg.RedisAddr != "" {
		a.Redis = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}

	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewInMemory(1024)
	default:
		if a.Redis == nil {
			return nil, errors.New("redis queue needs REDIS_ADDR")
		}
		a.Queue = queue.NewRedisQueue(a.Redis.Client, cfg.AuditQueueKey, logger)
	}
	a.AuditStore = audit.NewPostgresStore(db.Client)
	a.Audit = audit.NewLogger(a.Queue, audit.LoggerConfig{
		Retention:      cfg.AuditRetention,
		PublishTimeout: cfg.CacheTimeout,
	}, m, logger)

	var (
		cache     replay.Cache
		limiterDB throttle.Store
	)
	if a.Redis != nil {
		cache = replay.NewRedisCache(a.Redis.Client)
		limiterDB = throttle.NewRedisStore(a.Redis.Client)
	} else {
		cache = replay.NewMemoryCache()
		limiterDB = throttle.NewMemoryStore()
	}

	a.Throttle = throttle.New(limiterDB, throttleConfig(cfg),
		throttle.WithLogger(logger),
		throttle.WithBlockHook(a.onBlock))

	tokens, err := token.NewAuthority([]byte(cfg.TokenSecret), token.Config{
		RotationInterval: cfg.TokenRotationInterval,
		SecurityWindow:   cfg.TokenSecurityWindow,
		Grace:            cfg.TokenGrace,
		ToleranceWindows: cfg.TokenToleranceWindows,
		MaxFutureSkew:    cfg.TokenMaxFutureSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("token authority: %w", err)
	}

	records := attendance.NewRepository(db.Client)
	dir := directory.NewRepository(db.Client)
	a.Service = attendance.NewService(attendance.Deps{
		Store:  records,
		Tokens: tokens,
		Devices: device.NewRegistry(device.NewPostgresStore(db.Client), device.Config{
			MaxActiveDevices: cfg.MaxActiveDevices,
			BlockThreshold:   cfg.DeviceBlockThreshold,
		}, logger),
		Guard: replay.NewGuard(records, cache, replay.Config{
			DurableTimeout: cfg.StoreTimeout,
			CacheTimeout:   cfg.CacheTimeout,
			MarkerTTL:      cfg.MaxSessionDuration,
		}, m, logger),
		Throttle: a.Throttle,
		People:   dir,
		Courses:  dir,
		Audit:    a.Audit,
		Observer: m,
		Logger:   logger,
	}, attendance.Config{
		SuspiciousThreshold: cfg.SuspiciousThreshold,
		StoreTimeout:        cfg.StoreTimeout,
		DefaultDuration:     cfg.DefaultSessionDuration,
		MaxDuration:         cfg.MaxSessionDuration,
		DefaultLate:         cfg.DefaultLateMinutes,
	})
	return a, nil
}

func throttleConfig(cfg config.App) throttle.Config {
	tc := throttle.DefaultConfig()
	tc.Attempts.Limit = cfg.ThrottleAttemptLimit
	tc.Failures.Limit = cfg.ThrottleFailureLimit
	tc.DeviceSwitches.Limit = cfg.ThrottleDeviceSwitchLimit
	return tc
}

// onBlock records a new throttle block. Per-IP blocks carry an "ip:" key and
// no person.
func (a *App) onBlock(ctx context.Context, key string, rule throttle.Rule, reason string) {
	a.Metrics.ThrottleBlocked(rule.Name)
	e := audit.Event{Type: audit.TypeThrottleBlocked, Code: rule.Name, Message: reason}
	if !strings.HasPrefix(key, "ip:") {
		e.PersonID = key
	}
	a.Audit.Emit(ctx, e)
}

// Checks returns the dependency checks served on /healthz.
func (a *App) Checks() map[string]handler.Check {
	checks := map[string]handler.Check{"db": a.DB.Healthy}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Healthy
	}
	return checks
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn("redis close", "error", err)
		}
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Warn("db close", "error", err)
	}
}

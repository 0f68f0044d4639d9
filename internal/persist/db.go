package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/l1jgo/netplay/internal/config"
	"go.uber.org/zap"
)

const (
	applicationName   = "netplay"
	healthCheckPeriod = 30 * time.Second
)

// DB wraps the pgx pool shared by the session, analytics, leaderboard and
// profile repositories.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// poolConfig maps [database] onto pgx. Idle connections are kept as the
// pool minimum and never exceed the maximum.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = min(int32(cfg.MaxIdleConns), poolCfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.HealthCheckPeriod = healthCheckPeriod
	if _, set := poolCfg.ConnConfig.RuntimeParams["application_name"]; !set {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return poolCfg, nil
}

func NewDB(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	db := &DB{Pool: pool, log: log.Named("db")}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	db.log.Info("database connected",
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Int32("min_conns", poolCfg.MinConns))
	return db, nil
}

// Ping checks the database answers within five seconds.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// LogStats reports pool usage.
func (db *DB) LogStats() {
	st := db.Pool.Stat()
	db.log.Debug("pool stats",
		zap.Int32("total", st.TotalConns()),
		zap.Int32("acquired", st.AcquiredConns()),
		zap.Int32("idle", st.IdleConns()),
		zap.Int64("acquire_count", st.AcquireCount()))
}

func (db *DB) Close() {
	db.Pool.Close()
}

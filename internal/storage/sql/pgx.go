package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// newPgxDB 通过 pgx 连接池打开 PostgreSQL 连接。
// 连接池由 pgx 管理，返回的 *sql.DB 仅作为 GORM 的底层连接使用。
func newPgxDB(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*sql.DB, *pgxpool.Pool, error) {
	if dsn == "" {
		return nil, nil, fmt.Errorf("database DSN is required")
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	poolConfig.MaxConns = int32(maxOpenConns)
	poolConfig.MinConns = int32(maxIdleConns)
	poolConfig.MaxConnLifetime = connMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return stdlib.OpenDBFromPool(pool), pool, nil
}

// PoolStats 返回 pgx 连接池统计信息，MySQL 模式下返回 nil。
func (s *Store) PoolStats() *pgxpool.Stat {
	if s.pgxPool == nil {
		return nil
	}
	return s.pgxPool.Stat()
}

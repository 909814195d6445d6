package database

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus reports database connectivity and connection pool
// statistics for the health endpoint.
type HealthStatus struct {
	Status          string `json:"status"`
	Dialect         string `json:"dialect"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health pings the database and collects pool statistics.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := c.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			Dialect:      c.dialect,
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := c.db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		Dialect:         c.dialect,
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}

// Size returns the on-disk size of the database in bytes.
func (c *Client) Size(ctx context.Context) (int64, error) {
	var size int64
	switch c.dialect {
	case DialectPostgres:
		err := c.db.QueryRowContext(ctx,
			"SELECT pg_database_size(current_database())").Scan(&size)
		if err != nil {
			return 0, fmt.Errorf("failed to query database size: %w", err)
		}
	case DialectSQLite:
		var pageCount, pageSize int64
		if err := c.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
			return 0, fmt.Errorf("failed to query page count: %w", err)
		}
		if err := c.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
			return 0, fmt.Errorf("failed to query page size: %w", err)
		}
		size = pageCount * pageSize
	default:
		return 0, fmt.Errorf("unknown dialect %q", c.dialect)
	}
	return size, nil
}

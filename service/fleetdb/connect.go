package fleetdb

import (
	"context"
	"fleet-agent-backend/config"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5"
)

// Connect 为一次租户会话建立独立的 Postgres 连接，带重试
func Connect(ctx context.Context) (*pgx.Conn, error) {
	cfg := config.Cfg.FleetDB

	conn, err := retry.DoWithData(
		func() (*pgx.Conn, error) {
			return pgx.Connect(ctx, cfg.DSN)
		},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.ConnectAttempts)),
		retry.Delay(time.Duration(cfg.ConnectDelaySec)*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Retrying fleet database connection",
				"attempt", n+1,
				"err", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zak10/arena-dnpbmf/internal/bus"
	"github.com/zak10/arena-dnpbmf/internal/bus/natsbus"
	"github.com/zak10/arena-dnpbmf/internal/bus/pgbus"
	"github.com/zak10/arena-dnpbmf/internal/bus/redisbus"
	"github.com/zak10/arena-dnpbmf/internal/config"
)

// openBus connects the configured bus driver. pool is required for the postgres driver.
func openBus(ctx context.Context, cfg *config.GatewayConfig, pool *pgxpool.Pool, logger *slog.Logger) (bus.Bus, error) {
	bc := cfg.Bus
	logger.Info("connecting to bus", "driver", bc.Driver)

	switch bc.Driver {
	case config.BusMemory:
		return bus.NewMemory(), nil

	case config.BusRedis:
		b, err := redisbus.Connect(ctx, redisbus.Config{
			URL:      bc.Redis.URL,
			Addr:     bc.Redis.Addr,
			Password: bc.Redis.Password,
			DB:       bc.Redis.DB,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis bus: %w", err)
		}
		return b, nil

	case config.BusNATS:
		b, err := natsbus.Connect(natsbus.Config{
			URL:           bc.NATS.URL,
			Name:          bc.NATS.Name,
			Token:         bc.NATS.Token,
			MaxReconnects: bc.NATS.MaxReconnects,
			ReconnectWait: bc.NATS.ReconnectWait,
			Timeout:       bc.NATS.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open nats bus: %w", err)
		}
		return b, nil

	case config.BusPostgres:
		if pool == nil {
			return nil, fmt.Errorf("open postgres bus: no database configured")
		}
		b, err := pgbus.New(ctx, pool, pgbus.Config{Channel: bc.Postgres.Channel}, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres bus: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown bus driver %q", bc.Driver)
	}
}

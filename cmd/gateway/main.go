// gateway runs the realtime WebSocket gateway.
// Usage: go run ./cmd/gateway --config configs/gateway.local.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/zak10/arena-dnpbmf/internal/config"
	"github.com/zak10/arena-dnpbmf/internal/gateway"
	"github.com/zak10/arena-dnpbmf/internal/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to config file (defaults only when empty)")
	addr := flags.String("addr", "", "listen address, overrides server.addr")
	logLevel := flags.String("log-level", "", "debug, info, warn or error; overrides log.level")
	logFormat := flags.String("log-format", "", "json, text or console; overrides log.format")
	showVersion := flags.BoolP("version", "v", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Println(version.String())
		return nil
	}

	var (
		cfg *config.GatewayConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadWithDefaults(*configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
		cfg.Auth.JWTSecret = os.Getenv("GATEWAY_JWT_SECRET")
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		"version", version.Version,
		"commit", version.Commit,
		"build_time", version.BuildTime,
		"config", *configPath,
	)
	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"addr", cfg.Server.Addr,
		"bus", cfg.Bus.Driver,
		"max_connections_per_user", cfg.Limits.MaxConnectionsPerUser,
		"audit", cfg.Audit.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if err := gw.Run(ctx); err != nil {
		return err
	}

	logger.Info("gateway exited cleanly")
	return nil
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	level := parseLevel(cfg.Level)

	switch cfg.Format {
	case "console":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05",
		}))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

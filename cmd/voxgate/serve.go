package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harunnryd/voxgate/pkg/authz"
	"github.com/harunnryd/voxgate/pkg/gateway"
	"github.com/harunnryd/voxgate/pkg/logging"
	"github.com/harunnryd/voxgate/pkg/metrics"
	"github.com/harunnryd/voxgate/pkg/observers"
	"github.com/harunnryd/voxgate/pkg/redact"
	"github.com/harunnryd/voxgate/pkg/runner"
	"github.com/harunnryd/voxgate/pkg/settings"
	"github.com/harunnryd/voxgate/pkg/upstream"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const drainTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var configPath, envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, envFile)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the gateway config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file loaded before the config")
	return cmd
}

func serve(ctx context.Context, configPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := gateway.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	observer, closeObserver, err := buildObserver(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer closeObserver()

	provider, err := buildSettings(cfg.ASR, logger)
	if err != nil {
		return err
	}
	gate, err := buildGate(cfg.Auth)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Options{
		Server:    cfg.Server,
		Session:   cfg.Session,
		Gate:      gate,
		Settings:  provider,
		Connector: upstream.NewWSConnector(cfg.Upstream, logger),
		Observer:  observer,
		Logger:    logger,
	})

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.NewLifecycleRunner(gw, runner.Hooks{
		OnStart: gw.Start,
		OnStop: func() {
			_ = gw.Stop()
			logger.Info("gateway_stopped")
		},
	}, drainTimeout).WithLogger(logger)
	return r.Run(ctx)
}

func buildObserver(cfg gateway.ObservabilityConfig, logger *slog.Logger) (metrics.Observer, func(), error) {
	list := []metrics.Observer{observers.NewLoggerObserver(logger, slog.LevelDebug)}
	var file *os.File
	var sink metrics.Flusher
	if cfg.MetricsFile != "" {
		f, err := os.OpenFile(cfg.MetricsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open metrics file: %w", err)
		}
		file = f
		jsonl := metrics.NewJSONLObserver(f)
		sink = jsonl
		list = append(list, jsonl)
	}
	var obs metrics.Observer = observers.NewMultiObserver(list...)
	if cfg.SampleRate < 1 {
		obs = metrics.NewSamplingObserver(obs, cfg.SampleRate)
	}
	async := metrics.NewAsyncObserver(obs, 1024)
	return async, func() {
		async.Close()
		if sink != nil {
			_ = sink.Flush()
		}
		if file != nil {
			_ = file.Close()
		}
	}, nil
}

func buildSettings(cfg gateway.ASRConfig, logger *slog.Logger) (settings.Provider, error) {
	if cfg.SettingsFile == "" {
		return settings.NewStatic(settings.Credentials{
			AppID:     cfg.AppID,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}), nil
	}
	p, err := settings.NewFileProvider(cfg.SettingsFile, logger)
	if err != nil {
		return nil, err
	}
	p.Watch()
	return p, nil
}

func buildGate(cfg gateway.AuthConfig) (authz.Gate, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case gateway.AuthNone:
		return authz.AllowAll{}, nil
	default:
		return authz.NewJWTGate(authz.JWTConfig{
			Secret:       cfg.JWTSecret,
			CookieName:   cfg.CookieName,
			QueryParam:   cfg.QueryParam,
			AllowedRoles: cfg.AllowedRoles,
			Issuer:       cfg.Issuer,
		})
	}
}

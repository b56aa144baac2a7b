package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"fal-openai-adapter/internal/config"
	"fal-openai-adapter/internal/metrics"
	providerfactory "fal-openai-adapter/internal/provider/factory"
	"fal-openai-adapter/internal/router"
	"fal-openai-adapter/internal/server"
)

const serveUsage = `Usage:
  fal-openai-adapter serve [--config <path>] [--env-file <path>] [--port <port>]
                           [--log-level <level>] [--log-format text|json]

Flags:
  --config     string   Path to YAML configuration file (optional, built-in model table otherwise)
  --env-file   string   Path to a .env file (default ".env", ignored when missing)
  --port       int      Override server port (PORT, default 5005)
  --log-level  string   debug, info, warn or error (LOG_LEVEL)
  --log-format string   text or json`

const metricsNamespace = "fal_adapter"

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var (
		opts         config.Options
		overridePort int
		logLevel     string
		logFormat    string
	)
	fs.StringVar(&opts.ConfigFile, "config", "", "path to configuration file")
	fs.StringVar(&opts.EnvFile, "env-file", "", "path to .env file")
	fs.IntVar(&overridePort, "port", 0, "override server port")
	fs.StringVar(&logLevel, "log-level", "", "override log level")
	fs.StringVar(&logFormat, "log-format", "", "log output format")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Server.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := setupLogging(cfg.Server, os.Stderr); err != nil {
		return err
	}

	collector := metrics.NewCollector(metricsNamespace)

	backend, err := providerfactory.Build(cfg, userAgent(), collector)
	if err != nil {
		return err
	}

	rt := router.New(backend.Registry, backend.Client, backend.Poller, collector)

	srv, err := server.New(cfg, rt, collector)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}

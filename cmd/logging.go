package cmd

import (
	"io"
	"log/slog"

	"fal-openai-adapter/internal/config"
)

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.ServerConfig, w io.Writer) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSONLogs() {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

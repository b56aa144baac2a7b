package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"fal-openai-adapter/internal/config"
	"fal-openai-adapter/internal/provider"
)

const modelsUsage = `Usage:
  fal-openai-adapter models [--config <path>] [--env-file <path>]

Prints every routable model id with its submit and status endpoints.`

func listModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, modelsUsage)
	}

	var opts config.Options
	fs.StringVar(&opts.ConfigFile, "config", "", "path to configuration file")
	fs.StringVar(&opts.EnvFile, "env-file", "", "path to .env file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse models flags: %w", err)
	}

	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistry(cfg.Backend)
	if err != nil {
		return err
	}

	return writeModelTable(os.Stdout, registry)
}

func writeModelTable(w io.Writer, registry *provider.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBMIT URL\tSTATUS BASE URL\tNOTE")
	for _, m := range registry.Models() {
		note := ""
		switch {
		case m.Default:
			note = "default"
		case m.AliasOf != "":
			note = "alias of " + m.AliasOf
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Endpoints.SubmitURL, m.Endpoints.StatusBaseURL, note)
	}
	return tw.Flush()
}

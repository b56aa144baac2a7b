package cmd

import (
	"context"
	"fmt"
	"strings"
)

// Version is stamped at build time with -ldflags "-X fal-openai-adapter/cmd.Version=...".
var Version = "dev"

const usage = `fal-openai-adapter serves OpenAI-style chat and image endpoints backed by the fal.ai queue.

Usage:
  fal-openai-adapter <command> [flags]

Commands:
  serve    Start the HTTP server
  models   Print the resolved model table
  version  Print the version

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "models":
		return listModels(args[1:])
	case "version", "--version":
		fmt.Println(Version)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}

func userAgent() string {
	return "fal-openai-adapter/" + Version
}

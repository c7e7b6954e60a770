package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const usage = `unichat is a unified OpenAI-compatible gateway for multiple model providers.

Usage:
  unichat serve --config <path> [flags]
  unichat challenge <define|create|verify> --config <path>

Commands:
  serve      Start the HTTP server
  challenge  Run one step of the email one-time-code login on a JSON event from stdin

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return printUsage(stdout)
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "challenge":
		return runChallenge(ctx, args[1:], stdin, stdout)
	case "help", "-h", "--help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage(w io.Writer) error {
	_, err := fmt.Fprintln(w, strings.TrimSpace(usage))
	return err
}

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"unichat/internal/auth/challenge"
	"unichat/internal/config"
	"unichat/internal/email"
	"unichat/internal/logs"
	"unichat/internal/secrets"
)

const challengeUsage = `Usage:
  unichat challenge <define|create|verify> --config <path>

Reads one identity provider hook event as JSON from stdin and writes the
updated event to stdout. Logs go to stderr.

Flags:
  --config string   Path to YAML configuration file (required)`

func runChallenge(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("challenge command requires a step\n\n%s", challengeUsage)
	}
	step := args[0]

	fs := flag.NewFlagSet("challenge", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, challengeUsage)
	}
	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse challenge flags: %w", err)
	}
	if cfgPath == "" {
		return errors.New("challenge command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	// stdout carries the event, so logging is pushed to stderr.
	logCfg := cfg.Logging
	logCfg.Stderr = true
	logger, err := logs.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := secrets.NewEnvStore(cfg.Secrets.EnvFiles...)
	if err != nil {
		return err
	}
	password, _ := store.APIKey(cfg.Email.PasswordRef)

	hooks := challenge.New(cfg.Challenge, email.New(cfg.Email, password, logger), logger)
	return hooks.Run(ctx, step, stdin, stdout)
}

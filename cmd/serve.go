package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"unichat/internal/auth"
	"unichat/internal/config"
	"unichat/internal/gateway"
	"unichat/internal/identity"
	"unichat/internal/logs"
	providerfactory "unichat/internal/provider/factory"
	"unichat/internal/registry"
	"unichat/internal/secrets"
	"unichat/internal/server"
	"unichat/internal/storage"
)

const serveUsage = `Usage:
  unichat serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := logs.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return runServer(ctx, cfg, logger)
}

func runServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := secrets.NewEnvStore(cfg.Secrets.EnvFiles...)
	if err != nil {
		return err
	}

	reg, err := registry.New(cfg.Models...)
	if err != nil {
		return err
	}

	// Deferred closes run in reverse: adapters first, then storage.
	kv, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("storage close failed", zap.Error(err))
		}
	}()

	factory, err := providerfactory.New(reg, store, logger, cfg.Server.ProviderTimeout)
	if err != nil {
		return err
	}
	defer factory.CloseAll()

	if disabled := factory.DisableMissingCredentials(); len(disabled) > 0 {
		logger.Warn("models disabled at startup", zap.Strings("model_ids", disabled))
	}

	authority, err := newAuthority(cfg, store, kv, logger)
	if err != nil {
		return err
	}

	institutions, err := auth.NewInstitutions(cfg.Institutions)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Config:       cfg,
		Logger:       logger,
		Catalog:      reg,
		Health:       factory,
		Gateway:      gateway.New(factory, logger),
		Authority:    authority,
		Users:        auth.NewUserManager(kv, logger),
		Institutions: institutions,
	}

	if cfg.Identity.Configured() {
		clientSecret, _ := store.APIKey(cfg.Identity.ClientSecretRef)
		idp, err := identity.New(cfg.Identity, clientSecret)
		if err != nil {
			return err
		}
		deps.Identity = idp
	} else {
		logger.Info("identity provider not configured, login routes disabled")
	}

	srv, err := server.New(deps)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// newAuthority returns nil when no signing secret is available and auth is
// disabled. Enabled auth without a secret refuses to start.
func newAuthority(cfg config.Config, store secrets.Store, kv storage.Store, logger *zap.Logger) (*auth.Authority, error) {
	secret, ok := store.JWTSecret()
	if !ok {
		if cfg.Auth.Enabled {
			return nil, fmt.Errorf("auth is enabled but %s is not set", secrets.JWTSecretKey)
		}
		logger.Warn("session tokens disabled: signing secret not set")
		return nil, nil
	}
	return auth.NewAuthority(secret, cfg.Auth.Authority(), kv, logger)
}

// Package cli implements the shinara command-line client, which drives the
// attribution SDK against a gateway from a shell.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atinyakov/shinara-go/internal/config"
	"github.com/atinyakov/shinara-go/internal/logger"
	"github.com/atinyakov/shinara-go/pkg/gateway"
	"github.com/atinyakov/shinara-go/pkg/shinara"
	"github.com/atinyakov/shinara-go/pkg/storage"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	APIKey      string
	BaseURL     string
	Platform    string
	Store       string
	StoreDriver string
	CAFile      string
	LogLevel    string
	Timeout     time.Duration

	// Getenv looks up environment overrides. Defaults to os.Getenv.
	Getenv func(string) string
}

// Build metadata printed by the version command.
var (
	Version   string
	BuildDate string
)

// NewRootCommand creates the root command of the shinara CLI.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shinara",
		Short:         "Referral attribution client",
		Long:          "Validate referral codes, register converted users and attribute purchases through the Shinara gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "shinara.config.json", "path to the client config file")
	flags.StringVar(&opts.APIKey, "api-key", "", "API key (overrides "+config.EnvAPIKey+")")
	flags.StringVar(&opts.BaseURL, "base-url", gateway.DefaultBaseURL, "gateway base URL")
	flags.StringVar(&opts.Platform, "platform", gateway.DefaultPlatform, "value of the X-SDK-Platform header")
	flags.StringVar(&opts.Store, "store", "", "state location: file path, sqlite path or redis URL")
	flags.StringVar(&opts.StoreDriver, "store-driver", storage.DriverFile, "state backend (memory|file|sqlite|redis)")
	flags.StringVar(&opts.CAFile, "ca-file", "", "extra CA certificate to trust")
	flags.StringVar(&opts.LogLevel, "log-level", "warn", "log level")
	flags.DurationVar(&opts.Timeout, "timeout", gateway.DefaultTimeout, "per-request timeout")

	cmd.AddCommand(
		newInitCommand(opts),
		newDeepLinkCommand(opts),
		newValidateCommand(opts),
		newRegisterCommand(opts),
		newPurchaseCommand(opts),
		newStatusCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// session is an SDK client opened for one command invocation.
type session struct {
	client *shinara.Client
	creds  *gateway.Credentials
	store  *storage.Store
	log    *zap.Logger
	apiKey string
}

// Close waits for background work and releases the store.
func (s *session) Close() {
	s.client.Close()
	_ = s.store.Close()
	_ = s.log.Sync()
}

// requireKey installs the API key without validating it.
func (s *session) requireKey() error {
	if s.apiKey == "" {
		return fmt.Errorf("%w: no API key, use --api-key or %s", shinara.ErrConfig, config.EnvAPIKey)
	}
	s.creds.Set(s.apiKey)
	return nil
}

// resolve merges the config file and environment with the flags that were
// set explicitly on cmd.
func resolve(cmd *cobra.Command, opts *RootOptions) (*config.ClientOptions, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	resolved, err := config.LoadClient(opts.ConfigPath, getenv)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	for name, pair := range map[string]struct{ dst, src *string }{
		"api-key":      {&resolved.APIKey, &opts.APIKey},
		"base-url":     {&resolved.BaseURL, &opts.BaseURL},
		"platform":     {&resolved.Platform, &opts.Platform},
		"store":        {&resolved.Store, &opts.Store},
		"store-driver": {&resolved.StoreDriver, &opts.StoreDriver},
		"ca-file":      {&resolved.CAFile, &opts.CAFile},
		"log-level":    {&resolved.LogLevel, &opts.LogLevel},
	} {
		if flags.Changed(name) || *pair.dst == "" {
			*pair.dst = *pair.src
		}
	}

	if resolved.Store == "" {
		resolved.Store = defaultStore(resolved.StoreDriver)
	}
	return resolved, nil
}

func defaultStore(driver string) string {
	switch driver {
	case storage.DriverSQLite:
		return "shinara.db"
	case storage.DriverRedis:
		return "redis://localhost:6379/0"
	default:
		return storage.DefaultFile
	}
}

func openSession(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*session, error) {
	resolved, err := resolve(cmd, opts)
	if err != nil {
		return nil, err
	}

	log := logger.New()
	if err := log.Init(resolved.LogLevel); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	kv, err := storage.Open(ctx, resolved.StoreDriver, resolved.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store := storage.NewStore(kv)

	httpClient, err := gateway.NewHTTPClient(resolved.CAFile, opts.Timeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	creds := gateway.NewCredentials("")
	gw := gateway.New(creds,
		gateway.WithBaseURL(resolved.BaseURL),
		gateway.WithHTTPClient(httpClient),
		gateway.WithPlatform(resolved.Platform),
		gateway.WithLogger(log.Log),
	)

	return &session{
		client: shinara.New(gw, creds, store, shinara.WithLogger(log.Log)),
		creds:  creds,
		store:  store,
		log:    log.Log,
		apiKey: resolved.APIKey,
	}, nil
}

// Package config provides the configuration of the sandbox gateway and the
// shinara CLI, read from command-line flags, a JSON config file and
// environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/atinyakov/shinara-go/internal/codec"
	"github.com/atinyakov/shinara-go/internal/models"
)

// Duration is a time.Duration read from a JSON string such as "720h".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := codec.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return codec.Marshal(time.Duration(d).String())
}

// Options holds the configuration values of the sandbox gateway.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"address"`

	// DatabaseDSN holds the Postgres connection string.
	DatabaseDSN string `json:"database_dsn"`

	// Config is the path to the JSON config file.
	Config string `json:"-"`

	// Retention is how long app-open events are kept.
	Retention Duration `json:"retention"`

	// CertFile and KeyFile are the TLS server certificate and key. TLS is
	// disabled when CertFile is empty.
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	// LogLevel is a zap level name.
	LogLevel string `json:"log_level"`

	// Apps are seeded into the database at startup.
	Apps []models.App `json:"apps"`
}

// DefaultRetention is how long app-open events are kept by default.
const DefaultRetention = 30 * 24 * time.Hour

// Parse reads the server configuration from args (without the program
// name), then from the JSON config file, then from the environment.
// A missing config file is not an error.
func Parse(args []string) (*Options, error) {
	options := &Options{}

	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.StringVar(&options.Port, "a", "localhost:8443", "run on ip:port server")
	flags.StringVar(&options.DatabaseDSN, "d", "", "db address")
	flags.StringVar(&options.Config, "config", "config.json", "path to config file")
	flags.StringVar(&options.Config, "c", "config.json", "path to config file (shorthand)")
	flags.DurationVar((*time.Duration)(&options.Retention), "retention", DefaultRetention, "app-open event retention")
	flags.StringVar(&options.CertFile, "cert", "certs/server.crt", "TLS certificate, empty to serve plain HTTP")
	flags.StringVar(&options.KeyFile, "key", "certs/server.key", "TLS private key")
	flags.StringVar(&options.LogLevel, "l", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if err := loadFile(options.Config, options); err != nil {
		return nil, err
	}

	if serverAddress := os.Getenv("SERVER_ADDRESS"); serverAddress != "" {
		options.Port = serverAddress
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}

	if options.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", time.Duration(options.Retention))
	}
	return options, nil
}

// ClientOptions holds the configuration of the shinara CLI.
type ClientOptions struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	Platform    string `json:"platform"`
	Store       string `json:"store"`
	StoreDriver string `json:"store_driver"`
	CAFile      string `json:"ca_file"`
	LogLevel    string `json:"log_level"`
}

// Client environment variables.
const (
	EnvAPIKey      = "SHINARA_API_KEY"
	EnvBaseURL     = "SHINARA_BASE_URL"
	EnvStore       = "SHINARA_STORE"
	EnvStoreDriver = "SHINARA_STORE_DRIVER"
	EnvCAFile      = "SHINARA_CA_FILE"
	EnvLogLevel    = "SHINARA_LOG_LEVEL"
)

// LoadClient reads the CLI configuration from the JSON file at path, if it
// exists, then applies environment overrides looked up with getenv.
// Command-line flags are applied by the caller.
func LoadClient(path string, getenv func(string) string) (*ClientOptions, error) {
	options := &ClientOptions{
		StoreDriver: "file",
		LogLevel:    "warn",
	}
	if err := loadFile(path, options); err != nil {
		return nil, err
	}

	for env, dst := range map[string]*string{
		EnvAPIKey:      &options.APIKey,
		EnvBaseURL:     &options.BaseURL,
		EnvStore:       &options.Store,
		EnvStoreDriver: &options.StoreDriver,
		EnvCAFile:      &options.CAFile,
		EnvLogLevel:    &options.LogLevel,
	} {
		if v := getenv(env); v != "" {
			*dst = v
		}
	}
	return options, nil
}

func loadFile(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}
	if err := codec.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}

// Package env loads the kelvin-cli's runtime configuration from the
// process environment, the way the teacher pack's own internal/env
// package feeds its cmd layer.
package env

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the CLI-level configuration surface. The root command copies
// its fields into any flag the caller did not set; every field but Verbose
// has a kelvin.Config counterpart.
type Config struct {
	Host           string        `env:"KELVIN_HOST, default=127.0.0.1"`
	Port           int           `env:"KELVIN_PORT, default=28015"`
	AuthKey        string        `env:"KELVIN_AUTH_KEY"`
	DefaultDB      string        `env:"KELVIN_DEFAULT_DB"`
	ConnectTimeout time.Duration `env:"KELVIN_CONNECT_TIMEOUT, default=10s"`
	Verbose        bool          `env:"KELVIN_VERBOSE"`
}

// LoadConfig reads KELVIN_* environment variables into a Config, applying
// the defaults declared on the struct tags for anything unset.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}
	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Package cli provides the command-line interface for kelvin-cli. It
// implements a small set of subcommands over package kelvin using the
// Cobra CLI framework, mirroring the teacher pack's own cmd layout.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	kenv "github.com/kelvindb/kelvin-go/internal/env"
)

var (
	host       string
	port       int
	authKey    string
	defaultDB  string
	tokenSeed  uint64
	connectSec float64
	verbose    bool
)

// rootCmd is the base command when kelvin-cli is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:           "kelvin-cli",
	Short:         "Demonstration client for the kelvin wire protocol",
	Long:          `kelvin-cli opens a connection to a kelvin-go-speaking server and issues already-built wire queries, rendering atoms, sequences, and cursors to the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE lets KELVIN_* environment variables supply defaults
	// for any flag the caller did not set explicitly, the way the teacher
	// pack's env.LoadConfig feeds cmd/start.go ahead of flag parsing.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := kenv.LoadConfig(cmd.Context())
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if !flags.Changed("host") {
			host = cfg.Host
		}
		if !flags.Changed("port") {
			port = cfg.Port
		}
		if !flags.Changed("auth-key") {
			authKey = cfg.AuthKey
		}
		if !flags.Changed("db") {
			defaultDB = cfg.DefaultDB
		}
		if !flags.Changed("connect-timeout") {
			connectSec = cfg.ConnectTimeout.Seconds()
		}
		if !flags.Changed("verbose") {
			verbose = cfg.Verbose
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&host, "host", "127.0.0.1", "server host")
	flags.IntVar(&port, "port", 28015, "server port")
	flags.StringVar(&authKey, "auth-key", "", "handshake auth key")
	flags.StringVar(&defaultDB, "db", "", "default database for 2-element START queries")
	flags.Uint64Var(&tokenSeed, "token-seed", 0, "initial correlation token")
	flags.Float64Var(&connectSec, "connect-timeout", 10, "dial+handshake timeout, in seconds")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func connectTimeout() time.Duration {
	return time.Duration(connectSec * float64(time.Second))
}

// Execute runs the CLI application.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

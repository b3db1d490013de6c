package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print kelvin-cli's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("kelvin-cli %s (%s)\n", Version, runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

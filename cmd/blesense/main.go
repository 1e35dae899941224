package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blesense",
	Short: "Bluetooth Low Energy health and fitness sensor client",
	Long: `Bluetooth Low Energy (BLE) client for standard sensor profiles:

- Scan for continuous glucose monitors, thermometers, cycling and running sensors
- Monitor live measurements with battery level and connection state
- Fetch stored CGM records through the Record Access Control Point
- Start and stop CGM sensor sessions

Supported profiles: cgms, hts, csc, rscs, toast.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", errorLabel(), FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("blesense %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(stopSessionCmd)

	addGlobalFlags(rootCmd.PersistentFlags())
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (default ~/.config/blesense/config.yaml)")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolP("verbose", "v", false, "Verbose output (debug logging)")
	fs.String("transport", "", "BLE stack (goble, tinyble)")
}

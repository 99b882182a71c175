package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shellagent",
	Short: "shellagent - remote shell sessions over a line-delimited JSON protocol",
	Long: `shellagent runs persistent PTY-backed shell sessions for remote callers.
Callers start a session, run commands in it and close it again; output is
collected until the shell goes quiet.

The plain TCP endpoint has no authentication. Keep it on loopback and use
the TLS tunnel endpoint (pre-shared secret) for anything remote.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: shellagent.{yaml,json,toml} in /etc/shellagent, ~/.shellagent or .)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ironsession",
	Short: "IronSession is a multi-tab session and CSRF token service",
	Long: `A session lifecycle service: idle timeout, cross-tab synchronization,
encrypted backups and CSRF token rotation for tabs sharing one origin.
Complete documentation is available at https://github.com/jmcleod/ironsession`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or TOML config file (default $IRONSESSION_CONFIG)")
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// Package cmd implements the CLI commands for hlspoll.
package cmd

import (
	"fmt"

	"github.com/jmylchreest/hlspoll/internal/config"
	"github.com/jmylchreest/hlspoll/internal/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "hlspoll",
	Short: "HLS/LL-HLS playlist polling engine",
	Long: `hlspoll fetches, parses and repeatedly refreshes an HLS or LL-HLS media
playlist, printing one line per delivered snapshot.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		observability.SetDefault(observability.NewLogger(cfg.Logging))
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding
// fails, so command-line overrides flow through the same viper-backed
// config keys as the loaded file/environment configuration.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

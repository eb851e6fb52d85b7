package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"clinicore.org/internal/config"
)

// Set via ldflags at build time.
var (
	version = "0.1.0"
	commit  = "dev"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "clinicore",
	Short: "Clinic authorization, patient data sharing and audit trail",
	Long: `clinicore decides who may see and change patient records, lets doctors
delegate time-boxed access to nurses and receptionists, and keeps a
tamper-evident audit trail of every security-relevant action.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of clinicore",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clinicore %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "clinicore.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

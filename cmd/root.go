// Package cmd wires the flowline command-line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/flowline-dev/flowline/internal/config"
)

var (
	version = "dev"
	cfgFile string
	baseDir string
)

var rootCmd = &cobra.Command{
	Use:   "flowline",
	Short: "Task-set orchestration server",
	Long: `Flowline coordinates task sets across a roster of agents: it validates
dependency graphs, schedules ready tasks, tracks agent heartbeats, and
exposes the whole lifecycle over JSON-RPC (stdio push or HTTP pull).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.flowline/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "",
		"root directory for durable state (default: ~/.flowline)")
	rootCmd.Flags().String("http", "",
		"HTTP listen address for the pull transport (overrides http.addr)")
}

// loadConfig layers the config file over defaults and applies flag
// overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if baseDir != "" {
		cfg.BaseDir = baseDir
	}
	if cmd.Flags().Lookup("http") != nil {
		if addr, _ := cmd.Flags().GetString("http"); addr != "" {
			cfg.HTTP.Addr = addr
		}
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

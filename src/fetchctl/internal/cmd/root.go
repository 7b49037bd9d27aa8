// Package cmd implements the fetchctl command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitswalk/fetchkit/src/common/cli"
	"github.com/bitswalk/fetchkit/src/common/logs"
	"github.com/bitswalk/fetchkit/src/common/version"
)

var (
	// VersionInfo holds version information - set at build time via ldflags
	VersionInfo = version.New()

	// Global logger instance
	log *logs.Logger

	// Configuration file path
	cfgFile string
)

// Linker variables - these are set via ldflags at build time
var (
	Version        = "dev"
	ReleaseName    = "Relay"
	ReleaseVersion = "0.0.0"
	BuildDate      = "unknown"
	GitCommit      = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fetchctl",
	Short: "Mirrored resource download tool",
	Long: `fetchctl drives the fetchkit download engine from the command line.

It materializes resources from one of several mirrors into a local two-tier
cache, with prioritized queues, per-mirror retry budgets, and resumable
transfers across restarts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command
func Execute() {
	VersionInfo.Version = Version
	VersionInfo.ReleaseName = ReleaseName
	VersionInfo.ReleaseVersion = ReleaseVersion
	VersionInfo.BuildDate = BuildDate
	VersionInfo.GitCommit = GitCommit

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cli.RegisterConfigFlag(rootCmd, &cfgFile, "~/.config/fetchkit/fetchctl.yaml")

	rootCmd.PersistentFlags().String("log-output", "auto", "Log output destination (auto, stdout, journald)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.output", rootCmd.PersistentFlags().Lookup("log-output"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("support-dir", "~/.fetchkit/support", "Durable storage root for permanent downloads")
	rootCmd.PersistentFlags().String("cache-dir", "~/.fetchkit/cache", "Reclaimable storage root for cached downloads")
	rootCmd.PersistentFlags().String("state-dir", "~/.fetchkit/state", "Transport journal directory for resumable transfers")
	rootCmd.PersistentFlags().String("db-path", "~/.fetchkit/fetchkit.db", "Path to the local-file record database")
	rootCmd.PersistentFlags().Int("simultaneous", 20, "Concurrent downloads on the normal queue")
	rootCmd.PersistentFlags().Int("retry-budget", 3, "Attempts per mirror before it is considered exhausted")
	rootCmd.PersistentFlags().Int64("throttle-bps", 0, "Global download throttle in bytes/second (0 = unlimited)")

	_ = viper.BindPFlag("storage.support_dir", rootCmd.PersistentFlags().Lookup("support-dir"))
	_ = viper.BindPFlag("storage.cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	_ = viper.BindPFlag("storage.state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db-path"))
	_ = viper.BindPFlag("queue.simultaneous", rootCmd.PersistentFlags().Lookup("simultaneous"))
	_ = viper.BindPFlag("mirror.retry_budget", rootCmd.PersistentFlags().Lookup("retry-budget"))
	_ = viper.BindPFlag("throttle.global_bps", rootCmd.PersistentFlags().Lookup("throttle-bps"))
}

func initConfig() error {
	opts := cli.DefaultConfigOptions("fetchctl", "FETCHKIT")
	opts.ConfigFile = cfgFile
	if err := cli.InitConfig(opts); err != nil {
		return err
	}
	log = cli.InitLogger("fetchctl")
	return nil
}

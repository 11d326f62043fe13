// Package cmd wires the CLI surface: flag parsing, config loading and
// the daemon entry point.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/easync/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "easync",
	Short: "Exchange ActiveSync background sync daemon",
	Long: `A background synchronization daemon for Exchange ActiveSync accounts.
It keeps configured mailboxes current via server push (Ping long-polls),
scheduled polls and on-demand syncs, sends queued outbox mail, and
downloads attachments on request.`,
	Version: version,
	RunE:    runDaemon,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/easync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.Flags().String("data-dir", "",
		"data directory for the database and attachments")
	rootCmd.Flags().Bool("ephemeral", false,
		"use an in-memory database (state is lost on exit)")

	// Bind flags to viper
	_ = viper.BindPFlag("data_dir", rootCmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("sync.background_data", defaults.Sync.BackgroundData)
	viper.SetDefault("sync.master_auto_sync", defaults.Sync.MasterAutoSync)
	viper.SetDefault("sync.contacts", defaults.Sync.Contacts)
	viper.SetDefault("sync.calendar", defaults.Sync.Calendar)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "easync"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine: the daemon starts with defaults and
		// picks accounts up when the file appears.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			cobra.CheckErr(err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// configFilePath returns the path the watcher should observe: the file
// viper loaded, or the default location when none exists yet.
func configFilePath() string {
	if p := viper.ConfigFileUsed(); p != "" {
		return p
	}
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

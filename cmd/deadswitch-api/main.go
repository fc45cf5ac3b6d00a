package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deadswitch-api",
		Short: "Dead man's switch backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newRedeliverCommand(), newReindexCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Storage backend (sqlite, nats)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("nats-url", defaults.GetString("nats.url"), "NATS server URL")
	cmd.PersistentFlags().String("nats-bucket", defaults.GetString("nats.bucket"), "JetStream key-value bucket")
	cmd.PersistentFlags().String("activity-sinks", defaults.GetString("activity.sinks"), "Comma separated activity sinks (stream, nats, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis activity sink")
	cmd.PersistentFlags().Duration("enforcer-interval", defaults.GetDuration("enforcer.interval"), "Deadline sweep period")
	cmd.PersistentFlags().Duration("enforcer-grace-period", defaults.GetDuration("enforcer.grace_period"), "Extra time past the deadline before triggering")
	cmd.PersistentFlags().Bool("enforcer-enabled", defaults.GetBool("enforcer.enabled"), "Run the deadline enforcer")
	cmd.PersistentFlags().Bool("rebuild-index", defaults.GetBool("index.rebuild_on_start"), "Rebuild the switch index on start")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Signer token secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "nats.bucket", "nats-bucket")
	bindFlag(cmd, "activity.sinks", "activity-sinks")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "enforcer.interval", "enforcer-interval")
	bindFlag(cmd, "enforcer.grace_period", "enforcer-grace-period")
	bindFlag(cmd, "enforcer.enabled", "enforcer-enabled")
	bindFlag(cmd, "index.rebuild_on_start", "rebuild-index")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

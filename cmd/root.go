package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"

	envPrefix = "DELTASYNC"
)

// vip keeps flag values overridden by the env (DELTASYNC_<FLAG>) and the optional config file.
var vip = viper.New()

// rootCmd is a base command.
var rootCmd = &cobra.Command{
	Use:               "deltasync",
	Short:             "Delta-sync document server and clients",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// initConfig binds the command flags to viper and reads the config file if set.
func initConfig(cmd *cobra.Command, _ []string) error {
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vip.AutomaticEnv()

	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	if path := vip.GetString(FlagConfig); path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	return nil
}

// newLogger builds the production logger.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(vip.GetString(FlagLogLevel))
	if err != nil {
		return nil, fmt.Errorf("%s flag: %w", FlagLogLevel, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String(FlagConfig, "", "(optional) config file path (json, yaml, toml)")
	rootCmd.PersistentFlags().String(FlagLogLevel, "info", "(optional) log level")
}

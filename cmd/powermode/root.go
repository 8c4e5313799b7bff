package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kingrea/powermode/internal/config"
	"github.com/kingrea/powermode/internal/logging"
)

// env carries the settings shared by every subcommand.
type env struct {
	viper      *viper.Viper
	projectDir string
}

func newRootCmd() *cobra.Command {
	e := &env{viper: viper.New()}
	rootCmd := &cobra.Command{
		Use:           "powermode",
		Short:         "Coordinate agent teams through phases, barriers and consensus rounds",
		Long:          "powermode runs multi-agent sessions: it dispatches phases, holds barriers until every agent is done, shares insights between agents, and settles disagreements through token-ring consensus rounds.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	e.addFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newVersionCmd(),
		newValidateCmd(),
		newRunCmd(e),
		newBrokerCmd(e),
		newInspectCmd(e),
	)
	return rootCmd
}

// addFlags registers the global flags and binds them, together with the
// POWERMODE_* environment, to the config keys they override.
func (e *env) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&e.projectDir, "project", "", "project directory holding .powermode (default: working directory)")
	flagSet.String("log-level", "", "log level: debug, info, warn or error")
	flagSet.String("transport", "", "comma separated adapter preference, e.g. memory,file")
	flagSet.String("broker-url", "", "base URL of a running broker")
	flagSet.String("store", "", "session store driver: file, sqlite or memory")

	e.viper.SetEnvPrefix("POWERMODE")
	e.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	e.viper.AutomaticEnv()
	for key, flag := range map[string]string{
		"log_level":            "log-level",
		"transport.preference": "transport",
		"transport.broker_url": "broker-url",
		"persistence.driver":   "store",
	} {
		_ = e.viper.BindPFlag(key, flagSet.Lookup(flag))
	}
}

// load reads the project config and applies env and flag overrides.
func (e *env) load() (*config.Config, error) {
	dir := e.projectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	overrides := map[string]string{}
	for _, key := range config.OverrideKeys() {
		overrides[key] = e.viper.GetString(key)
	}
	if err := cfg.Override(overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger lays out .powermode and opens the project log.
func (e *env) logger(cfg *config.Config) (*logging.Logger, error) {
	if err := config.InitDir(cfg.ProjectDir); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", config.Dir, err)
	}
	return logging.New(cfg.ProjectDir, cfg.Project.LogLevel, nil)
}

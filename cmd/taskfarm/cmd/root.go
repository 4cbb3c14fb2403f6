package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskfarm/taskfarm/pkg/config"
	"github.com/taskfarm/taskfarm/pkg/logging"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "taskfarm",
	Short: "Distributed task farm",
	Long: `taskfarm distributes many independent short automation tasks across a
pool of worker processes. A master process owns a FIFO work queue and
serves it over a request/reply channel; workers pull items one at a
time, run them against a task engine, and report the results. The farm
tears itself down automatically once nothing is queued or in flight.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.taskfarm/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log in JSON line format")
}

// initConfig reads in config file and TASKFARM_* environment variables
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".taskfarm"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("TASKFARM")
	viper.AutomaticEnv()

	// Missing config files are fine; defaults and env cover everything.
	_ = viper.ReadInConfig()
}

// loadConfig resolves the effective configuration, letting flags set on
// the invoked command override file and environment values.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("iterations") {
		cfg.Iterations, _ = flags.GetInt("iterations")
	}
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("channel-addr") {
		cfg.ChannelAddr, _ = flags.GetString("channel-addr")
	}
	if flags.Changed("engine") {
		cfg.EngineBinary, _ = flags.GetString("engine")
	}
	if flags.Changed("engine-arg") {
		cfg.EngineArgs, _ = flags.GetStringSlice("engine-arg")
	}
	if flags.Changed("base-port") {
		cfg.BasePort, _ = flags.GetInt("base-port")
	}
	return cfg, cfg.Validate()
}

func newLogger(component string, cfg config.Config) *logging.Logger {
	return logging.New(component, logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
}

// addFarmFlags registers the options shared by master and worker
func addFarmFlags(cmd *cobra.Command) {
	d := config.Defaults()
	cmd.Flags().Int("workers", d.Workers, "worker process count")
	cmd.Flags().Int("iterations", d.Iterations, "items per worker instance before restart")
	cmd.Flags().Duration("timeout", d.Timeout, "per-item deadline before retry")
	cmd.Flags().String("channel-addr", d.ChannelAddr, "queue channel address")
	cmd.Flags().String("engine", "", "task engine binary (empty: echo tasks back)")
	cmd.Flags().StringSlice("engine-arg", nil, "extra engine argument (repeatable)")
	cmd.Flags().Int("base-port", d.BasePort, "engine base port; each worker adds its ordinal")
}

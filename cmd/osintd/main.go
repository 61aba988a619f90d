package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gustycube/osintd/internal/config"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:           "osintd",
	Short:         "Collect, deduplicate, enrich and alert on open-source intelligence",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OSINTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().String("node", "", "node name used as lease owner")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis for shared dedup and enrichment cache")
	rootCmd.PersistentFlags().String("redis-queue-addr", "", "Redis for the distributed work queue")
	rootCmd.PersistentFlags().Bool("json", false, "JSON output")
	for _, name := range []string{"config", "db", "node", "log-level", "redis-addr", "redis-queue-addr", "json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(
		runCmd(),
		collectCmd(),
		workerCmd(),
		serveCmd(),
		redeliverCmd(),
		queryCmd(),
		sourcesCmd(),
		versionCmd(),
	)
}

// loadConfig layers file, environment and flags, in that order of
// precedence, and validates the result.
func loadConfig(overrides map[string]interface{}) (*config.Config, error) {
	var cfg *config.Config
	if path := viper.GetString("config"); path != "" {
		c, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	cfg.LoadFromEnv()

	flags := map[string]interface{}{
		"db":               viper.GetString("db"),
		"node":             viper.GetString("node"),
		"log_level":        viper.GetString("log-level"),
		"redis_addr":       viper.GetString("redis-addr"),
		"redis_queue_addr": viper.GetString("redis-queue-addr"),
	}
	for k, v := range overrides {
		flags[k] = v
	}
	cfg.MergeWithFlags(flags)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("osintd", version)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"lightsout/internal/pkg/config"
)

var cfgFile string

func main() {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "lightsout",
		Short: "Lights Out - LoRa mesh telemetry and firmware distribution",
		Long: `Aggregates node telemetry from a LoRa mesh, streams it to dashboards,
and builds and distributes node firmware.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $LIGHTSOUT_CONFIG or ./config.toml)")

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(nodesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig reads the TOML file, falling back to defaults when the
// default path is absent, then applies environment overrides
func loadConfig() (*config.Config, error) {
	path := cfgFile
	explicit := path != ""
	if !explicit {
		if env := os.Getenv("LIGHTSOUT_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = "config.toml"
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		log.Printf("No config file at %s, using defaults", path)
		cfg = config.DefaultConfig()
	}

	cfg.ApplyEnv()
	return cfg, nil
}

package main

import (
	"github.com/spf13/cobra"

	configpkg "github.com/drblury/hookrelay/internal/runtime/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hookrelay",
	Short: "Relay domain events to webhook subscribers",
	Long: `hookrelay registers webhook subscriptions, bridges producer events from
the stream broker to per-subscriber queues and delivers them as CloudEvents
over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./hookrelay.yaml)")
	rootCmd.AddCommand(serveCmd, validateCmd)
}

func loadConfig(roles []string) (*configpkg.Config, error) {
	conf, err := configpkg.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if len(roles) > 0 {
		conf.Roles = roles
	}
	return conf, nil
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := loadConfig(nil)
		if err != nil {
			return err
		}
		cmd.Println(conf.String())
		return nil
	},
}

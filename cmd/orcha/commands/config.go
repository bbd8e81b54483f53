package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Resolve defaults, the config file, ORCHA_ environment variables and flags and print the result as YAML.`,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().Bool("show-credentials", false, "print provider credentials instead of masking them")
}

func runConfig(cmd *cobra.Command, args []string) error {
	showCredentials, _ := cmd.Flags().GetBool("show-credentials")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if !showCredentials {
		for i := range cfg.Providers {
			if cfg.Providers[i].Credential != "" {
				cfg.Providers[i].Credential = "********"
			}
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

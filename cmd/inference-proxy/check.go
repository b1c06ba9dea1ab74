package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "REDACTED"

func newCheckCmd() *cobra.Command {
	var configPath, listen, baseURL string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, listen, baseURL)
			if err != nil {
				return err
			}

			effective := *cfg
			if effective.Client.APIKey != "" {
				effective.Client.APIKey = redacted
			}

			out, err := yaml.Marshal(&effective)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "inference server base URL (overrides config)")
	return cmd
}

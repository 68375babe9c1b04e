// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/trialsync/pkg/config"
	"github.com/united-manufacturing-hub/trialsync/pkg/killswitch"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file, environment and kill switch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			if _, err := killswitch.Load(cfg.Agent.KillSwitchPath); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out, err := cfg.Redacted().Marshal()
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(out)

			return err
		},
	})

	return cmd
}

// loadConfig reads the file, applies the dotenv file and the environment, then validates.
func loadConfig(opts *rootOptions) (config.FullConfig, error) {
	cfg, err := config.LoadWithEnvOverrides(opts.ConfigPath, opts.EnvFile, os.Getenv)
	if err != nil {
		return config.FullConfig{}, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return config.FullConfig{}, err
	}

	return cfg, nil
}

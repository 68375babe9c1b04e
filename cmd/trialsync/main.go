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
	_ "go.uber.org/automaxprocs"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
)

// appVersion is set at build time with -ldflags "-X main.appVersion=...".
var appVersion = constants.DefaultAppVersion

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigPath string
	EnvFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "trialsync",
		Short:         "Offline-first replication agent for trial scoring devices",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", constants.DefaultConfigPath, "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file read before the process environment")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newStatusCommand())

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/trialsync/pkg/constants"
)

func newStatusCommand() *cobra.Command {
	var (
		apiURL string
		sync   string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the health report of a running agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			base := strings.TrimRight(apiURL, "/")

			if cmd.Flags().Changed("sync") {
				target := base + "/sync"
				if tables := strings.TrimSpace(sync); tables != "" {
					target += "?table=" + url.QueryEscape(tables)
				}

				if _, err := call(ctx, http.MethodPost, target); err != nil {
					return err
				}
			}

			body, err := call(ctx, http.MethodGet, base+"/health/report")
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(body)

			return err
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", fmt.Sprintf("http://localhost:%d", constants.DefaultAPIPort), "diagnostics API of the running agent")
	cmd.Flags().StringVar(&sync, "sync", "", "run a manual sync first; comma-separated tables, empty for all")
	cmd.Flags().Lookup("sync").NoOptDefVal = " "

	return cmd
}

func call(ctx context.Context, method, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent not reachable at %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(body)))
	}

	return body, nil
}

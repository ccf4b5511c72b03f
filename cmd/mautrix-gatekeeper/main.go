// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-gatekeeper runs the Matrix moderation bot. It syncs as a
// regular user, keeps an activity ledger of the rooms it manages and
// gatekeeps new members based on the trust they earned.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	generateDocsEnv = "GATEKEEPER_GENERATE_DOCS"
	adminTokenEnv   = "GATEKEEPER_ADMIN_TOKEN"
)

type rootOptions struct {
	ConfigPath   string
	GenerateDocs bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mautrix-gatekeeper",
		Short:         "A Matrix moderation bot",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.GenerateDocs || os.Getenv(generateDocsEnv) == "1" {
				return generateDocs(cmd.OutOrStdout(), opts.ConfigPath)
			}
			return run(cmd.Context(), opts.ConfigPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the config file")
	cmd.Flags().BoolVar(&opts.GenerateDocs, "generate-docs", false, "print the command reference as markdown and exit (also "+generateDocsEnv+"=1)")

	cmd.AddCommand(newExampleConfigCommand())
	cmd.AddCommand(newCommandCommand())
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := gatekeeper.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	g, err := gatekeeper.New(cfg, log, gatekeeper.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			log.Err(err).Msg("Failed to shut down cleanly")
		}
	}()
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting gatekeeper")
	err = g.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("Shutting down")
		return nil
	}
	return err
}

// generateDocs uses the configured prefix when a config is readable and
// the default one otherwise.
func generateDocs(w io.Writer, configPath string) error {
	prefix := "!"
	if cfg, err := gatekeeper.LoadConfig(configPath); err == nil {
		prefix = cfg.CommandPrefix
	}
	docs, err := gatekeeper.CommandDocs(prefix)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, docs)
	return err
}

func newExampleConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print the example config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := io.WriteString(cmd.OutOrStdout(), gatekeeper.ExampleConfig)
			return err
		},
	}
}

func newCommandCommand() *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "command <line>",
		Short: "Run a bot command through the admin API of a running gatekeeper",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv(adminTokenEnv)
			}
			if token == "" {
				return errors.New("no admin API token, pass --token or set " + adminTokenEnv)
			}
			return postCommand(cmd.Context(), cmd.OutOrStdout(), apiURL, token, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:29320", "base URL of the admin API")
	cmd.Flags().StringVar(&token, "token", "", "admin_api_token of the running gatekeeper (also "+adminTokenEnv+")")
	return cmd
}

func postCommand(ctx context.Context, w io.Writer, apiURL, token, line string) error {
	body, err := json.Marshal(map[string]string{"command": line})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(apiURL, "/")+"/api/command", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach admin API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("admin API refused the command (%s): %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Replies []string `json:"replies"`
		Error   string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("admin API returned %s", resp.Status)
	}
	for _, reply := range out.Replies {
		fmt.Fprintln(w, reply)
	}
	if out.Error != "" {
		return errors.New(out.Error)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

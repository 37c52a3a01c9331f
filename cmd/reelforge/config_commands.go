package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"reelforge/internal/config"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(
		newConfigInitCommand(),
		newConfigValidateCommand(),
		newConfigShowCommand(),
	)
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveInitTarget(targetPath)
			if err != nil {
				return err
			}
			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Set identity signing_key and the model API keys before starting reelforged.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func resolveInitTarget(raw string) (string, error) {
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		expanded, err := config.ExpandPath(trimmed)
		if err != nil {
			return "", fmt.Errorf("resolve config path: %w", err)
		}
		return expanded, nil
	}
	target, err := config.DefaultConfigPath()
	if err != nil {
		return "", fmt.Errorf("determine default config path: %w", err)
	}
	return target, nil
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load("")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", path)
			if !exists {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

// newConfigShowCommand prints the effective settings with secrets redacted.
func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, _, err := config.Load("")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rows := [][]string{
				{"config path", path},
				{"work dir", cfg.Paths.WorkDir},
				{"api bind", cfg.Paths.APIBind},
				{"storage", storageSummary(cfg)},
				{"llm model", cfg.LLM.Model},
				{"llm api keys", strconv.Itoa(len(cfg.LLM.APIKeys)) + " configured"},
				{"backends", enabledBackends(cfg)},
				{"voice", enabledLabel(cfg.Voice.Enabled)},
				{"retention days", strconv.Itoa(cfg.Workflow.RetentionDays)},
				{"clip concurrency", strconv.Itoa(cfg.Workflow.ClipConcurrency)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows))
			return nil
		},
	}
}

func storageSummary(cfg *config.Config) string {
	if strings.TrimSpace(cfg.Storage.Endpoint) == "" {
		return "local filesystem"
	}
	return cfg.Storage.Endpoint + "/" + cfg.Storage.Bucket
}

func enabledBackends(cfg *config.Config) string {
	var names []string
	if cfg.Providers.Runway.Enabled {
		names = append(names, "runway")
	}
	if cfg.Providers.Veo.Enabled {
		names = append(names, "veo")
	}
	if cfg.Providers.Wan.Enabled {
		names = append(names, "wan")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

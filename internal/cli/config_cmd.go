package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"scenelens/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(a.configInitCmd(), a.configPrintCmd())
	return cmd
}

func (a *app) configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with defaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := filepath.Abs(a.flags.ConfigPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return withExitCode(ExitConfigInvalid, fmt.Errorf("%s already exists (use --force to overwrite)", path))
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.Default()
			if a.flags.StateDir != "" {
				cfg.StateDir = a.flags.StateDir
			}
			if err := config.SaveFile(path, &cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Wrote", path)

			if a.flags.NonInteractive || !IsTTY() {
				fmt.Fprintln(out, "Edit the file, or set SCENELENS_CLIP_URL (and OPENAI_API_KEY for openai captions) in your environment.")
				return nil
			}
			fmt.Fprintln(os.Stderr, "Optional: enter an OpenAI API key for caption generation (input is hidden). Press Enter to skip.")
			key, err := ReadSecret("OpenAI API key: ")
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			if key != "" {
				// Secrets stay out of the config file.
				fmt.Fprintln(os.Stderr, "Key received. Export it before running scenelens:")
				fmt.Fprintln(os.Stderr, "  export OPENAI_API_KEY=<your-key>")
				fmt.Fprintln(os.Stderr, "and set models.caption_provider: openai in", path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func (a *app) configPrintCmd() *cobra.Command {
	var fileOnly bool
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective config as YAML (secrets redacted)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg *config.Config
				err error
			)
			if fileOnly {
				cfg, err = config.LoadFile(a.flags.ConfigPath)
				if err != nil {
					err = withExitCode(ExitConfigInvalid, err)
				}
			} else {
				cfg, err = a.loadConfig(nil, true)
			}
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(config.SnapshotConfig(cfg))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&fileOnly, "file-only", false, "ignore environment variables and dotenv files")
	return cmd
}

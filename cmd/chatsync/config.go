package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the stored file without environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit connection settings",
	Long: "Inspect or edit the endpoints, credentials and logging level chatsync connects with.\n" +
		"Settings live in ~/.chatsync/config.toml; CHATSYNC_* variables and a local .env file override them.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings chatsync will run with",
	Long: "Print the effective settings: the config file with CHATSYNC_* overrides applied\n" +
		"and the token masked. Use --raw to print the stored file as written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showConfig(cmd.OutOrStdout(), configShowRaw)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store one setting in the config file",
	Long: "Store one setting under its section.key name. Environment overrides are not written.\n" +
		"Example: chatsync config set default.poll_interval 5s",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
		return nil
	},
}

func showConfig(w io.Writer, raw bool) error {
	path, err := configPath()
	if err != nil {
		return err
	}

	if raw {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			fmt.Fprintf(w, "%s does not exist. Run 'chatsync init <token>' to create it.\n", path)
			return nil
		}
		if err != nil {
			return fmt.Errorf("cannot read config file: %w", err)
		}
		_, err = w.Write(data)
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)

	data, err := renderConfig(*cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# effective settings from %s with CHATSYNC_* overrides\n", path)
	_, err = w.Write(data)
	return err
}

// renderConfig encodes cfg for display with the token masked.
func renderConfig(cfg Config) ([]byte, error) {
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = maskToken(cfg.Auth.Token)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot encode config: %w", err)
	}
	return data, nil
}

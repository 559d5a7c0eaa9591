package commands

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/zubinjha/Zubot/config"
	"github.com/zubinjha/Zubot/errors"
)

// ConfigCmd groups configuration subcommands
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialize zubot configuration",
}

var configInitPath string

// ConfigInitCmd writes a default config file
var ConfigInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default zubot.toml with every key populated",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(configInitPath); err != nil {
			if errors.Is(err, os.ErrExist) {
				return errors.Newf("%s already exists, refusing to overwrite", configInitPath)
			}
			return errors.Wrap(err, "failed to write config")
		}
		pterm.Success.Printf("Wrote %s\n", configInitPath)
		return nil
	},
}

// ConfigShowCmd prints the effective configuration
var ConfigShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (defaults, file, env merged)",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.GetViper()

		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# config file: %s\n\n", used)
		} else {
			fmt.Printf("# no config file found, showing defaults\n\n")
		}

		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(v.AllSettings()); err != nil {
			return errors.Wrap(err, "failed to encode settings")
		}
		fmt.Print(buf.String())
		return nil
	},
}

func init() {
	ConfigInitCmd.Flags().StringVar(&configInitPath, "path", "zubot.toml", "Destination for the config file")
	ConfigCmd.AddCommand(ConfigInitCmd)
	ConfigCmd.AddCommand(ConfigShowCmd)
}

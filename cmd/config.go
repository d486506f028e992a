package cmd

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/jamwatch/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View the resolved jamwatch configuration and switch profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))

		if showSources, _ := cmd.Flags().GetBool("sources"); showSources && cfg.Inheritance != nil {
			keys := make([]string, 0, len(cfg.Inheritance.Settings))
			for key := range cfg.Inheritance.Settings {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				rows = append(rows, []string{key, cfg.Inheritance.Source(key)})
			}
			fmt.Println()
			fmt.Println(renderTable([]string{"Setting", "Source"}, rows, nil))
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Set the active profile in the configuration file",
	Long: `Set active_config in the configuration file. A running daemon picks
the change up through its file watcher.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.LoadWithProfile(cfgFile, args[0]); err != nil {
			return fmt.Errorf("profile '%s' is not usable: %w", args[0], err)
		}
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile set to '%s'\n", args[0])
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("sources", false, "show where each setting came from")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
}

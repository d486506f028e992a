package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/jamwatch/internal/config"
	"github.com/audiolibrelab/jamwatch/internal/ffmpeg"

	"github.com/spf13/cobra"
	// Registers the hardware MIDI driver used by watch and sources.
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "jamwatch",
	Short: "Always-on recorder for jam sessions",
	Long: `jamwatch keeps audio, MIDI and video devices open with a rolling
pre-roll buffer and starts a recording session when you start playing.
Sessions end after a configurable idle timeout.

Run 'jamwatch watch' to start the daemon. The record and sessions commands
talk to it or work directly on the sessions directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/jamwatch.yaml")
		}

		// Commands that work without a configuration file load it only
		// when one is present.
		optional := cmd.Name() == "sources" || (cmd.Parent() != nil && cmd.Parent().Name() == "record")
		loaded, err := config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			if optional {
				slog.Debug("Continuing without configuration", "config", cfgFile, "error", err)
				return nil
			}
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/jamwatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))

	// Level 2 also surfaces ffmpeg's own log output
	ffmpeg.EchoOutput = level >= 2
}

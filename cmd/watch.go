package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamwatch/internal/config"
	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/events"
	"github.com/audiolibrelab/jamwatch/internal/index"
	"github.com/audiolibrelab/jamwatch/internal/recorder"
	"github.com/audiolibrelab/jamwatch/internal/server"
	"github.com/audiolibrelab/jamwatch/internal/service"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the recording daemon",
	Long: `Open every configured device, keep the pre-roll buffers filled and
record a session whenever a trigger device is played. The daemon also
serves the HTTP control API (start, stop, status, sessions, repair and a
websocket event stream) unless --no-server is given.

Editing the configuration file while the daemon runs applies the change;
a change to the device topology waits until the current recording ends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		noServer, _ := cmd.Flags().GetBool("no-server")
		if listen == "" {
			listen = cfg.Server.Listen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := os.MkdirAll(cfg.SessionsDirectory, 0755); err != nil {
			return fmt.Errorf("failed to create sessions directory: %w", err)
		}
		store, err := index.Open(index.DefaultPath(cfg.SessionsDirectory))
		if err != nil {
			slog.Warn("Session index unavailable, listing will scan directories", "error", err)
		}
		defer store.Close()

		bus := events.NewBus()
		opts := recorder.Options{Bus: bus}
		svcOpts := service.Options{
			Root:       cfg.SessionsDirectory,
			ConfigFile: cfgFile,
			Bus:        bus,
		}
		if store != nil {
			opts.Index = store
			svcOpts.Index = store
		}
		engine := recorder.New(cfg.Snapshot(), opts)
		svcOpts.Recorder = engine
		svc := service.New(svcOpts)

		slog.Info("jamwatch starting", "config", cfgFile, "profile", cfg.Profile,
			"sessions", cfg.SessionsDirectory, "devices", len(cfg.Devices))

		var wg conc.WaitGroup
		var engineErr error
		wg.Go(func() {
			if err := engine.Run(ctx); err != nil {
				engineErr = err
				stop()
			}
		})

		// Startup scan: report interrupted sessions and rebuild the index.
		wg.Go(func() {
			reports, err := svc.Rescan(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Startup scan failed", "error", err)
				return
			}
			for _, r := range reports {
				if r.Repairable() {
					slog.Warn("Interrupted session needs repair", "session", r.ID,
						"hint", "jamwatch sessions repair "+r.ID)
				}
			}
		})

		watcher := config.NewWatcher(cfgFile, profile,
			func(next config.Snapshot) {
				if err := engine.Reconfigure(ctx, next); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("Failed to apply configuration", "error", err)
				}
			},
			func(err error) {
				slog.Warn("Configuration change rejected, keeping current settings", "error", err)
			})
		wg.Go(func() { watcher.Run(ctx) })

		hotplug := device.NewHotplugMonitor(engine.HandleRemoval)
		wg.Go(func() {
			if err := hotplug.Run(ctx); err != nil {
				slog.Warn("Hotplug monitor stopped", "error", err)
			}
		})

		if !noServer {
			srv := server.New(svc, cfg.SessionsDirectory, listen)
			wg.Go(func() {
				if err := srv.Start(ctx); err != nil {
					slog.Error("Control server failed", "error", err)
				}
			})
		}

		<-ctx.Done()
		slog.Info("Shutting down, finalizing any active recording")
		wg.Wait()
		return engineErr
	},
}

func init() {
	watchCmd.Flags().String("listen", "", "control server address (overrides server.listen)")
	watchCmd.Flags().Bool("no-server", false, "do not start the HTTP control server")
}

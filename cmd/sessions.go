package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamwatch/internal/index"
	"github.com/audiolibrelab/jamwatch/internal/lock"
	"github.com/audiolibrelab/jamwatch/internal/recovery"
	"github.com/audiolibrelab/jamwatch/internal/service"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List, inspect and repair recorded sessions",
	Long: `Work directly on the sessions directory. These commands do not need a
running daemon; a session another process is still recording is never
touched.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions from the index, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		condition, _ := cmd.Flags().GetString("condition")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		svc, closeFn := offlineService()
		defer closeFn()
		entries, err := svc.ListSessions(cmd.Context(), index.Filter{Condition: condition, Limit: limit})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No sessions found. Run 'jamwatch sessions rescan' if the index is out of date.")
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			started := "-"
			if !e.StartedAt.IsZero() {
				started = e.StartedAt.Local().Format("2006-01-02 15:04:05")
			}
			rows = append(rows, []string{
				e.ID,
				started,
				formatDuration(e.Duration()),
				strings.Join(e.Devices, ","),
				colorCondition(e.Condition),
				strconv.Itoa(e.WarningCount),
				e.Title,
			})
		}
		fmt.Println(renderTable(
			[]string{"Session", "Started", "Length", "Devices", "Condition", "Warnings", "Title"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignLeft},
		))
		return nil
	},
}

var sessionsScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report interrupted sessions without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		svc, closeFn := offlineService()
		defer closeFn()
		reports, err := svc.Scan(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(reports)
		}
		printReports(reports)
		return nil
	},
}

var sessionsRescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Rebuild the session index from the session directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn := offlineService()
		defer closeFn()
		reports, err := svc.Rescan(cmd.Context())
		if err != nil {
			return err
		}
		printReports(reports)
		return nil
	},
}

var sessionsRepairCmd = &cobra.Command{
	Use:   "repair <session-id>...",
	Short: "Repair interrupted sessions",
	Long: `Close truncated MIDI tracks, fix WAV headers and remux video files of an
interrupted session. Original bytes are kept: MIDI files get a backup and
video is remuxed into a new '.repaired' file. A session whose lock may still
be held by a live recorder is refused. Repairing twice changes nothing.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn := offlineService()
		defer closeFn()

		var failed int
		for _, id := range args {
			res, err := svc.RepairSession(cmd.Context(), id)
			switch {
			case errors.Is(err, lock.ErrLive):
				failed++
				fmt.Printf("%s: skipped, possibly recording elsewhere\n", id)
				slog.Debug("Repair refused", "session", id, "error", err)
				continue
			case err != nil:
				failed++
				fmt.Printf("%s: %v\n", id, err)
				continue
			case res.NoOp:
				fmt.Printf("%s: nothing to repair\n", id)
				continue
			}
			fmt.Printf("%s: repaired (%s)\n", id, formatDuration(res.Metadata.Duration()))
			for _, a := range res.Actions {
				fmt.Printf("  %s: %s\n", a.File, a.Action)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sessions not repaired", failed, len(args))
		}
		return nil
	},
}

// offlineService opens the index next to the sessions and returns a
// service without a recorder.
func offlineService() (*service.JamwatchService, func()) {
	opts := service.Options{Root: cfg.SessionsDirectory, ConfigFile: cfgFile, Remux: recovery.FFmpegRemux}
	store, err := index.Open(index.DefaultPath(cfg.SessionsDirectory))
	if err != nil {
		slog.Warn("Session index unavailable, scanning directories", "error", err)
		return service.New(opts), func() {}
	}
	opts.Index = store
	return service.New(opts), func() { store.Close() }
}

func printReports(reports []recovery.Report) {
	if len(reports) == 0 {
		fmt.Printf("No sessions in %s\n", cfg.SessionsDirectory)
		return
	}
	rows := make([][]string, 0, len(reports))
	interrupted := 0
	for _, r := range reports {
		if r.Repairable() {
			interrupted++
		}
		detail := strings.Join(r.Damaged, ",")
		if r.Lock != nil {
			lockInfo := fmt.Sprintf("lock %s by %s (heartbeat %s ago)", r.LockState, r.Lock.Owner.Host,
				time.Since(r.Lock.Heartbeat).Round(time.Second))
			detail = strings.TrimPrefix(detail+"; "+lockInfo, "; ")
		}
		if r.Error != "" {
			detail = strings.TrimPrefix(detail+"; "+r.Error, "; ")
		}
		rows = append(rows, []string{r.ID, colorCondition(string(r.Condition)), detail})
	}
	fmt.Println(renderTable([]string{"Session", "Condition", "Details"}, rows, nil))
	if interrupted > 0 {
		fmt.Printf("%d interrupted session(s); repair with 'jamwatch sessions repair <id>'\n", interrupted)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	sessionsListCmd.Flags().String("condition", "", "only list sessions in this condition (clean, interrupted, repaired, recording-elsewhere)")
	sessionsListCmd.Flags().Int("limit", 0, "maximum number of sessions to list")
	sessionsListCmd.Flags().Bool("json", false, "print JSON")
	sessionsScanCmd.Flags().Bool("json", false, "print JSON")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsScanCmd)
	sessionsCmd.AddCommand(sessionsRescanCmd)
	sessionsCmd.AddCommand(sessionsRepairCmd)
}

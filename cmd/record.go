package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamwatch/internal/config"
	"github.com/audiolibrelab/jamwatch/internal/server"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Control the recording of a running daemon",
	Long: `Start or stop a recording on a running 'jamwatch watch' daemon, or show
its state. A manual start behaves like a trigger: the pre-roll is kept and
the idle timeout ends the session unless it is stopped first.`,
}

var recordStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording now",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := daemonClient(cmd).Start(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Println(st.Message)
		return nil
	},
}

var recordStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording and wait for the session to be saved",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := daemonClient(cmd).Stop(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		fmt.Println(resp.Message)
		if m := resp.Session; m != nil {
			for _, f := range m.AllFiles() {
				fmt.Printf("  %-6s %-24s %s\n", f.Modality, f.Name, f.Duration().Round(time.Second))
			}
			for _, w := range m.Warnings {
				fmt.Printf("  warning: %s %s\n", w.Device, w.Message)
			}
		}
		return nil
	},
}

var recordStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recording state and devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := daemonClient(cmd).Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Phase:    %s\n", st.Phase)
		if st.Profile != "" {
			fmt.Printf("Profile:  %s\n", st.Profile)
		}
		fmt.Printf("Sessions: %s\n", st.SessionsDirectory)
		fmt.Println(st.Message)

		rows := make([][]string, 0, len(st.Devices))
		for _, d := range st.Devices {
			roles := make([]string, 0, len(d.Roles))
			for _, r := range d.Roles {
				roles = append(roles, string(r))
			}
			rows = append(rows, []string{d.ID, string(d.Kind), string(d.State), strings.Join(roles, ","), d.Error})
		}
		if len(rows) > 0 {
			fmt.Println(renderTable([]string{"Device", "Kind", "State", "Roles", "Error"}, rows, nil))
		}
		return nil
	},
}

// daemonClient addresses --addr, else server.listen from the
// configuration, else the default address.
func daemonClient(cmd *cobra.Command) *server.Client {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" && cfg != nil {
		addr = cfg.Server.Listen
	}
	if addr == "" {
		addr = config.DefaultListen
	}
	return server.NewClient(addr)
}

func init() {
	recordCmd.PersistentFlags().String("addr", "", "daemon control address (default from server.listen)")
	recordCmd.AddCommand(recordStartCmd)
	recordCmd.AddCommand(recordStopCmd)
	recordCmd.AddCommand(recordStatusCmd)
}

package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamwatch/internal/device"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture devices",
	Long: `List the MIDI inputs, PipeWire/JACK audio ports and video devices that
can be referenced from device definitions. With a configuration loaded, the
configured devices are checked against what is present.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		midiPorts := device.ListMIDIInputs()
		audioPorts, err := device.NewPipeWire().ListPorts()
		if err != nil {
			slog.Warn("Could not list PipeWire ports", "error", err)
		}
		videoDevices, _ := filepath.Glob("/dev/video*")

		var rows [][]string
		for _, p := range midiPorts {
			rows = append(rows, []string{"midi", p})
		}
		for _, p := range audioPorts {
			rows = append(rows, []string{"audio", p})
		}
		for _, p := range videoDevices {
			rows = append(rows, []string{"video", p})
		}
		fmt.Println(renderTable([]string{"Kind", "Source"}, rows, nil))

		if cfg == nil {
			return nil
		}
		present := map[string]bool{}
		for _, list := range [][]string{midiPorts, audioPorts, videoDevices} {
			for _, p := range list {
				present[p] = true
			}
		}
		var configured [][]string
		for _, d := range cfg.Devices {
			for _, src := range d.Sources {
				status := "missing"
				if present[src] {
					status = "available"
				}
				configured = append(configured, []string{d.ID, d.Kind, src, status})
			}
		}
		fmt.Printf("\nConfigured devices (profile %s):\n", cfg.Profile)
		fmt.Println(renderTable([]string{"Device", "Kind", "Source", "Status"}, configured, nil))
		return nil
	},
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mrsingh-rishi/voice-client/capture"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := capture.ListMalgoDevices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tDEFAULT\tNAME")
			for _, d := range devices {
				kind := "playback"
				if d.Capture {
					kind = "capture"
				}
				def := ""
				if d.Default {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", kind, def, d.Name)
			}
			return w.Flush()
		},
	}
}

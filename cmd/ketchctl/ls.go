package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List known downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := doRequest("GET", "/v1/downloads/", nil)
		if err != nil {
			return err
		}
		var tasks []taskView
		if err := json.Unmarshal(data, &tasks); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tPROGRESS\tURL")
		for _, t := range tasks {
			progress := "-"
			if t.Record.TotalBytes > 0 {
				progress = fmt.Sprintf("%.1f%%", float64(t.Record.DownloadedBytes)/float64(t.Record.TotalBytes)*100)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.State.Kind, progress, t.Record.Request.URL)
		}
		return tw.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show one download's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := doRequest("GET", "/v1/downloads/"+args[0], nil)
		if err != nil {
			return err
		}
		var t taskView
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		fmt.Printf("id:       %s\n", t.ID)
		fmt.Printf("state:    %s\n", t.State.Kind)
		fmt.Printf("url:      %s\n", t.Record.Request.URL)
		fmt.Printf("progress: %d / %d bytes\n", t.Record.DownloadedBytes, t.Record.TotalBytes)
		if t.Record.OutputPath != "" {
			fmt.Printf("output:   %s\n", t.Record.OutputPath)
		}
		if t.Record.ErrorMessage != "" {
			fmt.Printf("error:    %s\n", t.Record.ErrorMessage)
		}
		return nil
	},
}

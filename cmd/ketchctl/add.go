package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	addOutputDir   string
	addFileName    string
	addConnections int
	addPriority    int
)

var addCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Queue a new download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"url":            args[0],
			"destinationDir": addOutputDir,
			"fileName":       addFileName,
			"connections":    addConnections,
			"priority":       addPriority,
		}
		data, err := doRequest("POST", "/v1/downloads/", body)
		if err != nil {
			return err
		}
		var resp createResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}
		fmt.Printf("queued %s\n", resp.TaskID)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVarP(&addOutputDir, "output", "o", ".", "destination directory")
	addCmd.Flags().StringVarP(&addFileName, "name", "n", "", "override destination file name")
	addCmd.Flags().IntVarP(&addConnections, "connections", "c", 0, "number of connections (0 = engine default)")
	addCmd.Flags().IntVarP(&addPriority, "priority", "p", 1, "priority: 0=low 1=normal 2=high 3=urgent")
}

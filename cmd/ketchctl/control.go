package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func controlCommand(use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [task-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := doRequest("POST", "/v1/downloads/"+args[0]+"/control", map[string]string{"action": action})
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", action, args[0])
			return nil
		},
	}
}

var (
	pauseCmd  = controlCommand("pause", "Pause a download", "pause")
	resumeCmd = controlCommand("resume", "Resume a paused download", "resume")
	cancelCmd = controlCommand("cancel", "Cancel a download", "cancel")
	removeCmd = controlCommand("rm", "Remove a download's record", "remove")
)

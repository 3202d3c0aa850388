package main

import (
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Load a script and run it to completion",
		Long: `Evaluate a script or module, run every timer and async host call it
schedules, and print its console output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openSession(cmd, args[0])
			if err != nil {
				return err
			}
			defer cleanup()
			printLogs(cmd, s)
			return nil
		},
	}
}

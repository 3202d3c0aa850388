package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <file> <function> [args-json]",
		Short: "Call a script function and print its JSON result",
		Long: `Load a script, call one of its global functions and print the result
as JSON. Arguments are given as a JSON array, for example:

  jsbox call math.js triple '[5]'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := openSession(cmd, args[0])
			if err != nil {
				return err
			}
			defer cleanup()

			argsJSON := "[]"
			if len(args) == 3 {
				argsJSON = args[2]
			}
			out, err := s.CallJSON(args[1], argsJSON)
			printLogs(cmd, s)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var execDir string

var execCmd = &cobra.Command{
	Use:   "exec <session> -- <command>",
	Short: "Run a shell command in a session's directory and record it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.sup.ExecOneShot(cmd.Context(), args[0], strings.Join(args[1:], " "), execDir)
		if err != nil {
			return err
		}
		fmt.Println(result.ContentText)
		switch {
		case result.ShellExitCode == nil:
			return errors.New("command timed out")
		case *result.ShellExitCode != 0:
			return fmt.Errorf("command exited with code %d", *result.ShellExitCode)
		}
		return nil
	},
}

func init() {
	execCmd.Flags().StringVar(&execDir, "cwd", "", "directory to run in (default: the session's)")
	rootCmd.AddCommand(execCmd)
}

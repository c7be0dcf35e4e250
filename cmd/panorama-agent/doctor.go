package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/micktaiwan/panorama-sub002/cli"
	"github.com/micktaiwan/panorama-sub002/logger"
	"github.com/micktaiwan/panorama-sub002/paths"
)

var clearLogs bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the agent binary, shell and data directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		prereqs := cli.DefaultPrerequisites(a.cfg)
		checker := cli.NewChecker(nil)
		fmt.Print(cli.FormatCheckResults(checker.CheckAll(cmd.Context(), prereqs)))

		configFile, _ := paths.ConfigFilePath()
		logs, _ := paths.LogsDir()
		fmt.Println("\nPaths:")
		fmt.Printf("  config: %s\n", configFile)
		fmt.Printf("  store:  %s\n", a.store.Dir())
		fmt.Printf("  logs:   %s\n", logs)
		if paths.IsFlatLayout() {
			fmt.Println("  (flat ~/.panorama layout)")
		}

		if clearLogs {
			n, err := logger.ClearLogs()
			if err != nil {
				return err
			}
			fmt.Printf("\nRemoved %d log files.\n", n)
		}
		return checker.ValidateRequired(cmd.Context(), prereqs)
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&clearLogs, "clear-logs", false, "delete the supervisor and stream logs")
	rootCmd.AddCommand(doctorCmd)
}

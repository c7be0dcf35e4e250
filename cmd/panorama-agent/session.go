package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/micktaiwan/panorama-sub002/store"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create and inspect sessions",
}

var (
	createName   string
	createCwd    string
	createModel  string
	createMode   string
	createEffort string
	createPrompt string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := store.PermissionMode(createMode)
		if !mode.Valid() {
			return fmt.Errorf("unknown permission mode %q", createMode)
		}
		effort := store.ReasoningEffort(createEffort)
		if _, ok := effort.ThinkingTokens(); effort != "" && !ok {
			return fmt.Errorf("unknown reasoning effort %q", createEffort)
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := a.store.CreateSession(cmd.Context(), &store.Session{
			Name:               createName,
			WorkingDir:         createCwd,
			Model:              createModel,
			PermissionMode:     mode,
			ReasoningEffort:    effort,
			AppendSystemPrompt: createPrompt,
		})
		if err != nil {
			return err
		}
		fmt.Println(sess.ID)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		sessions, err := a.store.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tMODE\tCOST\tCWD")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\t%s\n", s.ID, s.Name, s.Status, s.PermissionMode, s.TotalCostUSD, s.WorkingDir)
		}
		return w.Flush()
	},
}

var showMessages bool

var sessionShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session and, optionally, its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		s, err := a.store.FindSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Session:    %s\n", s.ID)
		if s.Name != "" {
			fmt.Printf("Name:       %s\n", s.Name)
		}
		fmt.Printf("Status:     %s\n", s.Status)
		if s.LastError != "" {
			fmt.Printf("Last error: %s\n", s.LastError)
		}
		fmt.Printf("Mode:       %s\n", s.PermissionMode)
		if s.ActiveModel != "" {
			fmt.Printf("Model:      %s (agent %s)\n", s.ActiveModel, s.AgentVersion)
		}
		fmt.Printf("Cost:       $%.4f over %dms\n", s.TotalCostUSD, s.TotalDurationMs)
		if s.QueuedCount > 0 {
			fmt.Printf("Queued:     %d\n", s.QueuedCount)
		}

		if !showMessages {
			return nil
		}
		msgs, err := a.store.ListMessages(cmd.Context(), s.ID)
		if err != nil {
			return err
		}
		fmt.Println()
		for _, m := range msgs {
			printMessage(os.Stdout, m)
		}
		return nil
	},
}

func init() {
	f := sessionCreateCmd.Flags()
	f.StringVar(&createName, "name", "", "display name")
	f.StringVar(&createCwd, "cwd", "", "working directory for the agent")
	f.StringVar(&createModel, "model", "", "model passed to the agent")
	f.StringVar(&createMode, "mode", string(store.PermissionDefault), "permission mode: default, acceptEdits or bypassPermissions")
	f.StringVar(&createEffort, "effort", "", "reasoning effort: low, medium, high or max")
	f.StringVar(&createPrompt, "append-system-prompt", "", "text appended to the agent's system prompt")

	sessionShowCmd.Flags().BoolVar(&showMessages, "messages", false, "print the conversation")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}

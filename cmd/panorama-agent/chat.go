package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/micktaiwan/panorama-sub002/claude"
	"github.com/micktaiwan/panorama-sub002/eventbus"
	"github.com/micktaiwan/panorama-sub002/logger"
	"github.com/micktaiwan/panorama-sub002/store"
)

const chatHelp = `Commands:
  /allow [json]     allow the pending tool call, optionally replacing its input
  /allowall         allow it and switch the session to acceptEdits
  /deny             deny the pending tool call
  /mode <mode>      set the permission mode
  /dequeue <id>     drop a queued message
  /exec <command>   run a shell command in the session directory
  /kill             stop the agent and discard queued messages
  /status           show the session state
  /quit             leave (running agents are stopped)
Anything else is sent to the agent.`

var chatCmd = &cobra.Command{
	Use:   "chat <session>",
	Short: "Talk to a session's agent interactively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := a.store.FindSession(ctx, args[0])
		if err != nil {
			return err
		}

		events, unsubscribe := a.bus.Subscribe()
		defer unsubscribe()
		go printEvents(os.Stdout, events, sess.ID)

		fmt.Printf("Chatting with session %s (%s). Type /help for commands.\n", sess.ID, sess.Status)
		return runREPL(ctx, a, sess.ID, os.Stdin)
	},
}

var sendWait time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <session> <text>",
	Short: "Send one message and print the agent's reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		events, unsubscribe := a.bus.Subscribe()
		defer unsubscribe()

		if _, err := a.sup.SendText(ctx, args[0], args[1]); err != nil {
			return err
		}
		return waitForTurn(ctx, os.Stdout, events, args[0], sendWait)
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "timeout", 10*time.Minute, "how long to wait for the reply")
	rootCmd.AddCommand(chatCmd, sendCmd)
}

// runREPL reads commands from in until EOF, /quit or ctx ends.
func runREPL(ctx context.Context, a *app, sessionID string, in io.Reader) error {
	log := logger.WithSession(sessionID)
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := a.sup.SendText(ctx, sessionID, line); err != nil {
				log.Warn("chat send failed", "error", err)
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
			continue
		}

		name, rest, _ := strings.Cut(line, " ")
		if name == "/quit" || name == "/exit" {
			return nil
		}
		if err := runChatCommand(ctx, a, sessionID, name, strings.TrimSpace(rest)); err != nil {
			log.Warn("chat command failed", "command", name, "error", err)
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		}
	}
}

func runChatCommand(ctx context.Context, a *app, sessionID, name, arg string) error {
	sup := a.sup
	switch name {
	case "/help":
		fmt.Println(chatHelp)
	case "/allow":
		return respond(ctx, sup, sessionID, claude.BehaviorAllow, arg)
	case "/allowall":
		return respond(ctx, sup, sessionID, claude.BehaviorAllowAll, "")
	case "/deny":
		return respond(ctx, sup, sessionID, claude.BehaviorDeny, "")
	case "/mode":
		if arg == "" {
			return errors.New("usage: /mode <default|acceptEdits|bypassPermissions>")
		}
		return sup.SetPermissionMode(ctx, sessionID, store.PermissionMode(arg))
	case "/dequeue":
		if !sup.Dequeue(ctx, sessionID, arg) {
			return fmt.Errorf("message %q is not queued", arg)
		}
		fmt.Println("dequeued")
	case "/exec":
		if _, err := sup.ExecOneShot(ctx, sessionID, arg, ""); err != nil {
			return err
		}
	case "/kill":
		return sup.Kill(ctx, sessionID)
	case "/status":
		s, err := a.store.FindSession(ctx, sessionID)
		if err != nil {
			return err
		}
		fmt.Printf("status=%s running=%v queued=%d cost=$%.4f\n", s.Status, sup.IsRunning(sessionID), sup.QueueLength(sessionID), s.TotalCostUSD)
		if p, ok := sup.PendingPermission(sessionID); ok {
			fmt.Printf("waiting for permission: %s %s\n", p.ToolName, p.ToolInput)
		}
	default:
		return errors.New("unknown command, try /help")
	}
	return nil
}

func respond(ctx context.Context, sup *claude.Supervisor, sessionID, behavior, input string) error {
	if _, ok := sup.PendingPermission(sessionID); !ok {
		return errors.New("no permission request is pending")
	}
	return sup.RespondToPermission(ctx, sessionID, behavior, []byte(input))
}

// printEvents writes the session's new messages and status changes to w
// until events is closed.
func printEvents(w io.Writer, events <-chan eventbus.Event, sessionID string) {
	var last store.Status
	for ev := range events {
		switch p := ev.Payload.(type) {
		case *store.Message:
			if ev.Topic == eventbus.TopicMessageCreated && p.SessionID == sessionID {
				printMessage(w, p)
			}
		case *store.Session:
			if p.ID == sessionID && p.Status != last {
				last = p.Status
				fmt.Fprintf(w, "-- %s\n", p.Status)
			}
		}
	}
}

// waitForTurn prints messages until the session stops running.
func waitForTurn(ctx context.Context, w io.Writer, events <-chan eventbus.Event, sessionID string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch p := ev.Payload.(type) {
			case *store.Message:
				if ev.Topic == eventbus.TopicMessageCreated && p.SessionID == sessionID && p.Type != store.TypeUser {
					printMessage(w, p)
				}
			case *store.Session:
				if p.ID != sessionID {
					continue
				}
				switch p.Status {
				case store.StatusIdle:
					return nil
				case store.StatusError:
					return fmt.Errorf("agent failed: %s", p.LastError)
				}
			}
		case <-timer.C:
			return fmt.Errorf("no reply after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printMessage(w io.Writer, m *store.Message) {
	switch m.Type {
	case store.TypeUser:
		prefix := "you"
		if m.Queued {
			prefix = "you (queued " + m.ID + ")"
		}
		fmt.Fprintf(w, "%s> %s\n", prefix, m.ContentText)
	case store.TypeAssistant, store.TypeResult:
		fmt.Fprintf(w, "claude> %s\n", m.ContentText)
	case store.TypeError:
		fmt.Fprintf(w, "error> %s\n", m.ContentText)
	case store.TypePermissionRequest:
		fmt.Fprintf(w, "permission> %s %s\n  /allow, /allowall or /deny\n", m.ContentText, m.ToolInput)
	case store.TypeShellCommand:
		fmt.Fprintf(w, "$ %s\n", m.ShellCommand)
	case store.TypeShellResult:
		fmt.Fprintln(w, m.ContentText)
	}
}

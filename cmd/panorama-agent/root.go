package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/micktaiwan/panorama-sub002/claude"
	"github.com/micktaiwan/panorama-sub002/cli"
	"github.com/micktaiwan/panorama-sub002/config"
	"github.com/micktaiwan/panorama-sub002/eventbus"
	"github.com/micktaiwan/panorama-sub002/logger"
	"github.com/micktaiwan/panorama-sub002/paths"
	"github.com/micktaiwan/panorama-sub002/store"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "panorama-agent",
	Short: "Supervise Claude Code sessions",
	Long: `panorama-agent runs one Claude Code process per session, queues messages
sent while the agent is busy, and records every turn in the session store.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: agent.yaml in the config directory)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// execute runs the root command and returns the process exit code.
func execute() int {
	defer logger.Close()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// app is the wiring shared by the commands.
type app struct {
	cfg   *config.Config
	store *store.FileStore
	bus   *eventbus.Bus
	sup   *claude.Supervisor
}

// openApp loads the config and the store. The supervisor is only built when
// withSupervisor is set, after marking sessions a previous run left running
// as interrupted.
func openApp(ctx context.Context, withSupervisor bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logPath); err != nil {
		return nil, err
	}
	logger.SetDebug(debug || cfg.Debug)

	dir, err := paths.StoreDir()
	if err != nil {
		return nil, err
	}
	st, err := store.NewFileStore(dir)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st, bus: eventbus.New()}
	if !withSupervisor {
		return a, nil
	}

	agentPath, err := cli.ResolveBinary(cfg.AgentBinary)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'panorama-agent doctor' for details)", err)
	}
	a.sup = claude.NewSupervisor(claude.Options{
		Sessions:  st,
		Messages:  st,
		Bus:       a.bus,
		Config:    cfg,
		Logger:    logger.WithComponent("supervisor"),
		AgentPath: agentPath,
	})

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	if n := a.sup.Recover(ctx, sessions); n > 0 {
		logger.Get().Info("marked interrupted sessions", "count", n)
	}
	return a, nil
}

// close stops every agent process and the bus.
func (a *app) close() {
	if a.sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.sup.Shutdown(ctx); err != nil {
			logger.Get().Warn("shutdown incomplete", "error", err)
		}
	}
	a.bus.Close()
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/accordhq/accord/internal/agent"
	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/config"
	"github.com/accordhq/accord/internal/coordinator"
	"github.com/accordhq/accord/internal/dispatcher"
	"github.com/accordhq/accord/internal/log"
	"github.com/accordhq/accord/internal/request"
	"github.com/accordhq/accord/internal/scheduler"
	"github.com/accordhq/accord/internal/session"
	"github.com/accordhq/accord/internal/synctrans"
	"github.com/accordhq/accord/internal/tracing"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the coordination daemon",
	Long: `Run the scheduler loop: pull the hub, scan inboxes, dispatch pending
requests to agent workers, and advance directives as results land.
Stops cleanly on SIGINT/SIGTERM, waiting for in-flight requests.

Example:
  accord daemon
  accord daemon --hub /srv/project/.accord --debug`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging("accord daemon")
	if err != nil {
		return err
	}
	defer cleanup()

	root := hubRoot()
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	sessions := session.NewManager(session.Config{
		MaxRequests: cfg.Dispatcher.SessionMaxRequests,
		MaxAge:      cfg.Dispatcher.SessionMaxAge(),
	})
	sessions.LoadFromDisk(root)

	invoker, err := agent.New(cfg.Dispatcher.Agent, agent.Options{
		AgentCmd:           cfg.Dispatcher.AgentArgv(),
		SessionMaxRequests: cfg.Dispatcher.SessionMaxRequests,
		SessionMaxAge:      cfg.Dispatcher.SessionMaxAge(),
	})
	if err != nil {
		return fmt.Errorf("creating agent adapter: %w", err)
	}

	events := bus.New()
	git := synctrans.NewGit(root)
	var transport synctrans.Transport = git
	if !git.IsRepo(context.Background()) {
		log.Info(log.CatSync, "hub is not a git repository, sync disabled", "root", root)
		transport = synctrans.NoopTransport{}
	}
	scanner := request.NewScanner(root)
	disp := dispatcher.New(cfg, sessions, invoker, transport, events)
	sched := scheduler.New(cfg.Dispatcher.PollInterval, scanner, disp, transport, events)

	coord := coordinator.New(cfg, scanner, events)
	coord.Start()

	var bridge *bus.Bridge
	if cfg.Bridge.Enabled {
		bridge = bus.NewBridge(events)
		go func() {
			if err := bridge.Start(cfg.Bridge.Addr); err != nil {
				log.ErrorErr(log.CatBus, "event bridge stopped", err)
			}
		}()
	}

	watcher, err := scheduler.NewInboxWatcher(root, events)
	if err != nil {
		log.Warn(log.CatSched, "inbox watcher unavailable", "error", err)
	} else if changes, err := watcher.Start(); err != nil {
		log.Warn(log.CatSched, "inbox watcher failed to start", "error", err)
		watcher.Stop()
		watcher = nil
	} else {
		go func() {
			for range changes {
				sched.TriggerNow()
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	fmt.Printf("accord daemon running on %s (%d workers, poll %s)\n",
		root, disp.Workers(), cfg.Dispatcher.PollInterval)
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	cancel()
	<-done
	if watcher != nil {
		watcher.Stop()
	}
	disp.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if bridge != nil {
		if err := bridge.Stop(shutdownCtx); err != nil {
			log.ErrorErr(log.CatBus, "stopping event bridge", err)
		}
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "flushing traces", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}

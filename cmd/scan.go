package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/accordhq/accord/internal/agent"
	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/config"
	"github.com/accordhq/accord/internal/dispatcher"
	"github.com/accordhq/accord/internal/request"
	"github.com/accordhq/accord/internal/session"
	"github.com/accordhq/accord/internal/synctrans"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List pending requests without dispatching",
	Long: `Scan the hub inboxes, report every dispatchable request in priority
order, and show how many the dispatcher would assign right now. Nothing
is invoked or mutated.`,
	RunE: runScan,
}

// planOnly satisfies agent.Invoker for dry-run planning. Scan must work
// on machines without any agent backend installed, so no real adapter is
// constructed.
type planOnly struct{}

func (planOnly) Invoke(context.Context, agent.Request) (*agent.Result, error) {
	return nil, errors.New("scan never invokes")
}

func (planOnly) SupportsResume() bool { return false }

func (planOnly) CloseAll() {}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, _ []string) error {
	cleanup, err := initLogging("accord scan")
	if err != nil {
		return err
	}
	defer cleanup()

	root := hubRoot()
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	scanner := request.NewScanner(root)
	all := scanner.ScanAll()
	pending := request.Dispatchable(all)
	request.SortByPriority(pending)

	if len(pending) == 0 {
		cmd.Println("No dispatchable requests.")
		return nil
	}

	sessions := session.NewManager(session.Config{
		MaxRequests: cfg.Dispatcher.SessionMaxRequests,
		MaxAge:      cfg.Dispatcher.SessionMaxAge(),
	})
	disp := dispatcher.New(cfg, sessions, planOnly{}, synctrans.NoopTransport{}, bus.New())
	assignable := disp.Dispatch(cmd.Context(), pending, true)

	cmd.Printf("%d dispatchable request(s), %d assignable this tick:\n\n", len(pending), assignable)
	for _, r := range pending {
		cmd.Printf("  [%-8s] %-12s %s\n", r.Priority, r.Service(), r.ID)
	}
	return nil
}

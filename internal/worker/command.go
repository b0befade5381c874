package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/request"
)

// Recognized diagnostic commands. Anything else still completes the
// request but reports failure to the dispatcher.
const (
	cmdStatus     = "status"
	cmdScan       = "scan"
	cmdCheckInbox = "check-inbox"
	cmdValidate   = "validate"
)

// runCommand handles the command fast-path: pure filesystem inspection,
// no agent involved. The request always reaches completed+archive; the
// returned bool distinguishes a recognized command from an unknown one.
func (w *Worker) runCommand(ctx context.Context, req *request.Request, service string) (bool, error) {
	root := w.cfg.HubRoot

	output, known := w.commandOutput(req, service)
	if err := request.AppendResult(req.FilePath, output); err != nil {
		return false, fmt.Errorf("appending command result to %s: %w", req.ID, err)
	}
	if err := request.SetStatus(req.FilePath, request.StatusCompleted); err != nil {
		return false, fmt.Errorf("completing command %s: %w", req.ID, err)
	}
	if _, err := request.Archive(req.FilePath, root); err != nil {
		return false, fmt.Errorf("archiving command %s: %w", req.ID, err)
	}

	detail := "command " + req.Command
	if !known {
		detail = "unknown command " + req.Command
	}
	w.history(root, request.HistoryEntry{
		RequestID:   req.ID,
		FromStatus:  request.StatusPending,
		ToStatus:    request.StatusCompleted,
		Actor:       service,
		DirectiveID: req.Directive,
		Detail:      detail,
	})
	w.commit(ctx, fmt.Sprintf("run command %s for %s", req.Command, req.ID))
	w.events.Publish(bus.TopicRequestCompleted, bus.RequestCompleted{
		RequestID: req.ID, Service: service, WorkerID: w.id,
	})
	return known, nil
}

func (w *Worker) commandOutput(req *request.Request, service string) (string, bool) {
	root := w.cfg.HubRoot
	switch req.Command {
	case cmdStatus:
		return statusReport(root, service), true
	case cmdScan:
		return scanReport(root, service), true
	case cmdCheckInbox:
		return checkInboxReport(root, service), true
	case cmdValidate:
		return validateReport(root, service), true
	default:
		return fmt.Sprintf("unknown command %q (expected one of: %s, %s, %s, %s)",
			req.Command, cmdStatus, cmdScan, cmdCheckInbox, cmdValidate), false
	}
}

// statusReport summarizes the service inbox by status, plus the archive
// size.
func statusReport(root, service string) string {
	counts := make(map[request.Status]int)
	for _, r := range parseInbox(root, service) {
		counts[r.Status]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "status report for %s\n", service)
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&sb, "  %s: %d\n", s, counts[request.Status(s)])
	}
	if len(counts) == 0 {
		sb.WriteString("  inbox empty\n")
	}
	fmt.Fprintf(&sb, "  archived: %d\n", countFiles(hub.ArchiveDir(root)))
	return sb.String()
}

// scanReport lists every request file in the service inbox.
func scanReport(root, service string) string {
	requests := parseInbox(root, service)
	if len(requests) == 0 {
		return fmt.Sprintf("no requests in inbox for %s\n", service)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d request(s) in inbox for %s\n", len(requests), service)
	for _, r := range requests {
		fmt.Fprintf(&sb, "  %s  status=%s  priority=%s  from=%s\n", r.ID, r.Status, r.Priority, r.From)
	}
	return sb.String()
}

// checkInboxReport counts pending work.
func checkInboxReport(root, service string) string {
	var pending []string
	for _, r := range parseInbox(root, service) {
		if r.Status == request.StatusPending {
			pending = append(pending, r.ID)
		}
	}
	if len(pending) == 0 {
		return fmt.Sprintf("no pending requests for %s\n", service)
	}
	return fmt.Sprintf("%d pending request(s) for %s: %s\n",
		len(pending), service, strings.Join(pending, ", "))
}

// validateReport parses every inbox file and reports the malformed ones.
func validateReport(root, service string) string {
	dir := hub.InboxDir(root, service)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("cannot read inbox for %s: %v\n", service, err)
	}

	var checked int
	var problems []string
	for _, entry := range entries {
		if entry.IsDir() || !hub.IsRequestFile(entry.Name()) {
			continue
		}
		checked++
		if _, err := request.Parse(filepath.Join(dir, entry.Name())); err != nil {
			problems = append(problems, fmt.Sprintf("  %s: %v", entry.Name(), err))
		}
	}
	if len(problems) == 0 {
		return fmt.Sprintf("validated %d request file(s) for %s: all ok\n", checked, service)
	}
	return fmt.Sprintf("validated %d request file(s) for %s, %d problem(s):\n%s\n",
		checked, service, len(problems), strings.Join(problems, "\n"))
}

func parseInbox(root, service string) []*request.Request {
	dir := hub.InboxDir(root, service)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var requests []*request.Request
	for _, entry := range entries {
		if entry.IsDir() || !hub.IsRequestFile(entry.Name()) {
			continue
		}
		r, err := request.Parse(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		requests = append(requests, r)
	}
	return requests
}

func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			n++
		}
	}
	return n
}

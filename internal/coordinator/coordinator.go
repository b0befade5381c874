// Package coordinator advances directives through their phase machine in
// reaction to request completion and failure events. It is the only
// writer of directive files; workers only ever mutate request files, so
// the two can run concurrently without shared locks.
package coordinator

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accordhq/accord/internal/bus"
	"github.com/accordhq/accord/internal/config"
	"github.com/accordhq/accord/internal/directive"
	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
	"github.com/accordhq/accord/internal/request"
)

// StateViolationError reports an attempt to evaluate a directive in an
// unknown phase. The directive file is left untouched.
type StateViolationError struct {
	DirectiveID string
	Phase       directive.Phase
}

func (e *StateViolationError) Error() string {
	return fmt.Sprintf("directive %s: unknown phase %q", e.DirectiveID, e.Phase)
}

// Coordinator reacts to request lifecycle events by re-evaluating the
// owning directive.
type Coordinator struct {
	cfg     *config.Config
	scanner *request.Scanner
	events  *bus.Bus

	mu   sync.Mutex
	done map[string]bool // directives that reached a terminal phase
}

// New creates a coordinator. Call Start to subscribe it to the bus.
func New(cfg *config.Config, scanner *request.Scanner, events *bus.Bus) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		scanner: scanner,
		events:  events,
		done:    make(map[string]bool),
	}
}

// Start subscribes to request completion and failure events.
func (c *Coordinator) Start() {
	handler := func(_ bus.Topic, payload any) {
		switch ev := payload.(type) {
		case bus.RequestCompleted:
			c.OnRequestResolved(ev.RequestID)
		case bus.RequestFailed:
			if !ev.WillRetry {
				c.OnRequestResolved(ev.RequestID)
			}
		}
	}
	c.events.Subscribe(bus.TopicRequestCompleted, handler)
	c.events.Subscribe(bus.TopicRequestFailed, handler)
}

// OnRequestResolved finds the directive owning the request id and
// evaluates it. Requests with no owning directive are ignored.
func (c *Coordinator) OnRequestResolved(requestID string) {
	for _, d := range directive.Scan(c.cfg.HubRoot) {
		if !d.Owns(requestID) {
			continue
		}
		c.mu.Lock()
		skip := c.done[d.ID] || d.Status.IsTerminal()
		c.mu.Unlock()
		if skip {
			return
		}
		if err := c.Evaluate(d); err != nil {
			log.ErrorErr(log.CatCoord, "directive evaluation failed", err, "directiveID", d.ID)
		}
		return
	}
}

// groupStatus summarizes the request statuses behind a list of ids.
type groupStatus struct {
	total      int
	completed  int
	failed     int
	unresolved int // pending, in-progress, or not yet visible on disk
}

func (g groupStatus) allCompleted() bool { return g.total > 0 && g.completed == g.total }

// Evaluate runs one phase-machine step for the directive.
func (c *Coordinator) Evaluate(d *directive.Directive) error {
	byID := c.requestIndex()

	switch d.Status {
	case directive.PhasePlanning:
		return nil
	case directive.PhaseNegotiating:
		return c.evaluateNegotiating(d, byID)
	case directive.PhaseImplementing:
		return c.evaluateImplementing(d, byID)
	case directive.PhaseTesting:
		return c.evaluateTesting(d, byID)
	case directive.PhaseCompleted, directive.PhaseFailed:
		return nil
	default:
		return &StateViolationError{DirectiveID: d.ID, Phase: d.Status}
	}
}

func (c *Coordinator) evaluateNegotiating(d *directive.Directive, byID map[string]*request.Request) error {
	if len(d.ContractProposals) == 0 {
		return c.transition(d, directive.PhaseImplementing, "no contracts needed")
	}
	g := c.group(d.ContractProposals, byID)
	switch {
	case g.failed > 0:
		d.RetryCount++
		if d.RetryCount >= d.MaxRetries {
			return c.transition(d, directive.PhaseFailed,
				fmt.Sprintf("contract negotiation exhausted after %d retries", d.RetryCount))
		}
		return c.transition(d, directive.PhasePlanning,
			fmt.Sprintf("contract proposal rejected, retry %d/%d", d.RetryCount, d.MaxRetries))
	case g.allCompleted():
		return c.transition(d, directive.PhaseImplementing, "all contract proposals accepted")
	default:
		return nil
	}
}

func (c *Coordinator) evaluateImplementing(d *directive.Directive, byID map[string]*request.Request) error {
	impl := d.ImplementationRequests()
	g := c.group(impl, byID)
	switch {
	case g.failed > 0 && g.unresolved == 0:
		return c.transition(d, directive.PhaseFailed,
			fmt.Sprintf("%d implementation request(s) failed", g.failed))
	case g.allCompleted():
		if c.cfg.TestAgentService == "" {
			return c.transition(d, directive.PhaseCompleted, "implementation complete, no test agent configured")
		}
		testID, err := c.createTestRequest(d, impl)
		if err != nil {
			return fmt.Errorf("creating test request for directive %s: %w", d.ID, err)
		}
		d.TestRequests = append(d.TestRequests, testID)
		d.Requests = append(d.Requests, testID)
		return c.transition(d, directive.PhaseTesting, "test request "+testID+" created")
	default:
		return nil
	}
}

func (c *Coordinator) evaluateTesting(d *directive.Directive, byID map[string]*request.Request) error {
	if len(d.TestRequests) == 0 {
		return c.transition(d, directive.PhaseImplementing, "no test request on record")
	}
	testID := d.TestRequests[len(d.TestRequests)-1]
	req, ok := byID[testID]
	if !ok {
		return nil
	}
	switch req.Status {
	case request.StatusCompleted:
		c.events.Publish(bus.TopicDirectiveTest, bus.DirectiveTestResult{
			DirectiveID: d.ID, RequestID: testID, Passed: true,
		})
		return c.transition(d, directive.PhaseCompleted, "tests passed")
	case request.StatusFailed:
		c.events.Publish(bus.TopicDirectiveTest, bus.DirectiveTestResult{
			DirectiveID: d.ID, RequestID: testID, Passed: false,
		})
		fixIDs, err := c.createFixRequests(d, byID)
		if err != nil {
			return fmt.Errorf("creating fix requests for directive %s: %w", d.ID, err)
		}
		d.Requests = append(d.Requests, fixIDs...)
		return c.transition(d, directive.PhaseImplementing,
			fmt.Sprintf("tests failed, %d fix request(s) created", len(fixIDs)))
	default:
		return nil
	}
}

// transition persists the new phase and announces it. Terminal phases
// drop the directive from active tracking.
func (c *Coordinator) transition(d *directive.Directive, to directive.Phase, message string) error {
	from := d.Status
	d.Status = to
	if err := d.Save(); err != nil {
		d.Status = from
		return fmt.Errorf("saving directive %s: %w", d.ID, err)
	}
	log.Info(log.CatCoord, "directive phase change",
		"directiveID", d.ID, "from", string(from), "to", string(to), "message", message)
	c.events.Publish(bus.TopicDirectivePhase, bus.DirectivePhaseChange{
		DirectiveID: d.ID,
		From:        string(from),
		To:          string(to),
		Message:     message,
	})
	if to.IsTerminal() {
		c.mu.Lock()
		c.done[d.ID] = true
		c.mu.Unlock()
	}
	return nil
}

// requestIndex maps request id to its latest parsed file across inboxes
// and the archive. Archive entries win: they reflect the final state.
func (c *Coordinator) requestIndex() map[string]*request.Request {
	byID := make(map[string]*request.Request)
	for _, r := range c.scanner.ScanInboxes() {
		byID[r.ID] = r
	}
	for _, r := range c.scanner.ScanArchive() {
		byID[r.ID] = r
	}
	return byID
}

func (c *Coordinator) group(ids []string, byID map[string]*request.Request) groupStatus {
	g := groupStatus{total: len(ids)}
	for _, id := range ids {
		req, ok := byID[id]
		if !ok {
			g.unresolved++
			continue
		}
		switch req.Status {
		case request.StatusCompleted:
			g.completed++
		case request.StatusFailed, request.StatusRejected:
			g.failed++
		default:
			g.unresolved++
		}
	}
	return g
}

// createTestRequest writes a pending request for the configured test
// agent, dependent on every implementation request.
func (c *Coordinator) createTestRequest(d *directive.Directive, implIDs []string) (string, error) {
	id := fmt.Sprintf("test-%s", uuid.New().String()[:8])
	req := &request.Request{
		ID:        id,
		From:      hub.OrchestratorService,
		To:        c.cfg.TestAgentService,
		Scope:     request.ScopeInternal,
		Type:      "test",
		Priority:  directivePriority(d),
		Status:    request.StatusPending,
		Created:   time.Now(),
		Directive: d.ID,
		DependsOn: implIDs,
	}
	body := fmt.Sprintf("Run the test suite covering directive %s (%s).\n\n"+
		"All implementation requests are complete: %v. Verify the combined "+
		"changes and report failures in detail.", d.ID, d.Title, implIDs)
	path := filepath.Join(hub.InboxDir(c.cfg.HubRoot, c.cfg.TestAgentService), "req-"+id+".md")
	if err := request.Write(path, req, body); err != nil {
		return "", err
	}
	log.Info(log.CatCoord, "test request created", "directiveID", d.ID, "requestID", id)
	return id, nil
}

// createFixRequests writes one fix request per service that participated
// in the directive, so every affected codebase gets a chance to repair
// the failing tests.
func (c *Coordinator) createFixRequests(d *directive.Directive, byID map[string]*request.Request) ([]string, error) {
	services, contracts := c.affected(d, byID)

	var ids []string
	for _, svc := range services {
		id := fmt.Sprintf("fix-%s-%s", svc, uuid.New().String()[:8])
		req := &request.Request{
			ID:        id,
			From:      hub.OrchestratorService,
			To:        svc,
			Scope:     request.ScopeInternal,
			Type:      "fix",
			Priority:  request.PriorityHigh,
			Status:    request.StatusPending,
			Created:   time.Now(),
			Directive: d.ID,
		}
		body := fmt.Sprintf("Tests for directive %s (%s) failed. Investigate and "+
			"fix the parts owned by %s.", d.ID, d.Title, svc)
		if len(contracts) > 0 {
			body += fmt.Sprintf("\n\nContracts in play: %v.", contracts)
		}
		path := filepath.Join(hub.InboxDir(c.cfg.HubRoot, svc), "req-"+id+".md")
		if err := request.Write(path, req, body); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	log.Info(log.CatCoord, "fix requests created", "directiveID", d.ID, "count", len(ids))
	return ids, nil
}

// affected derives the service and contract sets from the requests the
// directive references, excluding the test agent itself.
func (c *Coordinator) affected(d *directive.Directive, byID map[string]*request.Request) (services, contracts []string) {
	svcSet := make(map[string]bool)
	contractSet := make(map[string]bool)
	for _, id := range d.Requests {
		req, ok := byID[id]
		if !ok {
			continue
		}
		if svc := req.Service(); svc != "" && svc != c.cfg.TestAgentService {
			svcSet[svc] = true
		}
		if req.RelatedContract != "" {
			contractSet[req.RelatedContract] = true
		}
	}
	for svc := range svcSet {
		services = append(services, svc)
	}
	for name := range contractSet {
		contracts = append(contracts, name)
	}
	sort.Strings(services)
	sort.Strings(contracts)
	return services, contracts
}

func directivePriority(d *directive.Directive) request.Priority {
	if d.Priority == "" {
		return request.PriorityMedium
	}
	return d.Priority
}

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/accordhq/accord/internal/log"
)

func init() {
	Register("claude-code-v2", func(opts Options) (Invoker, error) {
		path, err := findClaude()
		if err != nil {
			return nil, err
		}
		p := &persistent{
			execPath:    path,
			maxRequests: opts.SessionMaxRequests,
			maxAge:      opts.SessionMaxAge,
			sessions:    make(map[string]*managedSession),
		}
		if p.maxRequests <= 0 {
			p.maxRequests = 20
		}
		if p.maxAge <= 0 {
			p.maxAge = 12 * time.Hour
		}
		return p, nil
	})
}

// persistent keeps one long-lived claude process per working directory
// and feeds it prompts over stdin in stream-json input format. Processes
// rotate after maxRequests prompts or maxAge, and are torn down on any
// error so the next invocation starts clean.
type persistent struct {
	execPath    string
	maxRequests int
	maxAge      time.Duration

	mu       sync.Mutex
	sessions map[string]*managedSession
	closed   bool
}

type managedSession struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	events    chan *wireEvent
	cancel    context.CancelFunc
	exited    chan struct{}
	sessionID string
	createdAt time.Time
	requests  int
	busy      bool
}

func (p *persistent) SupportsResume() bool { return true }

func (p *persistent) Invoke(ctx context.Context, req Request) (*Result, error) {
	ms, err := p.acquire(req)
	if err != nil {
		return nil, err
	}

	result, err := p.converse(ctx, ms, req)
	if err != nil {
		// Any failure poisons the process; drop it so the next
		// invocation spawns fresh.
		p.drop(req.WorkDir, ms)
		return nil, err
	}

	p.mu.Lock()
	ms.busy = false
	ms.requests++
	if result.SessionID != "" {
		ms.sessionID = result.SessionID
	}
	p.mu.Unlock()
	return result, nil
}

// acquire returns a non-busy live session for the workdir, rotating or
// spawning as needed.
func (p *persistent) acquire(req Request) (*managedSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("adapter is closed")
	}

	ms := p.sessions[req.WorkDir]
	if ms != nil {
		if ms.busy {
			return nil, fmt.Errorf("agent busy for workdir %s", req.WorkDir)
		}
		if ms.requests >= p.maxRequests || time.Since(ms.createdAt) >= p.maxAge {
			log.Debug(log.CatAgent, "rotating persistent agent",
				"workDir", req.WorkDir, "requests", ms.requests)
			p.teardown(ms)
			delete(p.sessions, req.WorkDir)
			ms = nil
		}
	}
	if ms == nil {
		var err error
		ms, err = p.spawn(req)
		if err != nil {
			return nil, err
		}
		p.sessions[req.WorkDir] = ms
	}
	ms.busy = true
	return ms, nil
}

func (p *persistent) spawn(req Request) (*managedSession, error) {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	// A live in-memory session takes precedence; --resume only applies
	// when spawning fresh with a prior session id on record.
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	//nolint:gosec // G204: execPath resolved by findClaude, args built from config
	cmd := exec.CommandContext(procCtx, p.execPath, args...)
	cmd.Dir = req.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	log.Debug(log.CatAgent, "spawning persistent claude",
		"workDir", req.WorkDir, "resume", req.ResumeSessionID)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	ms := &managedSession{
		cmd:       cmd,
		stdin:     stdin,
		events:    make(chan *wireEvent, 100),
		cancel:    cancel,
		exited:    make(chan struct{}),
		sessionID: req.ResumeSessionID,
		createdAt: time.Now(),
	}
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() { defer pumps.Done(); pumpEvents(procCtx, stdout, ms.events) }()
	go func() { defer pumps.Done(); drainStderr(stderr) }()
	// Reap after both pipes wind down so rotations never leave zombies.
	go func() {
		pumps.Wait()
		_ = cmd.Wait()
		close(ms.exited)
	}()
	return ms, nil
}

// pumpEvents parses stdout lines into the events channel until EOF or
// the session is cancelled.
func pumpEvents(ctx context.Context, r io.Reader, events chan<- *wireEvent) {
	defer close(events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanInitial), scanMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := parseWireEvent(line)
		if err != nil {
			log.Debug(log.CatAgent, "unparseable stream line", "error", err)
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug(log.CatAgent, "claude stderr", "line", scanner.Text())
	}
}

// userTurn is the stream-json input frame for one prompt.
type userTurn struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func encodeUserTurn(prompt string) ([]byte, error) {
	var turn userTurn
	turn.Type = "user"
	turn.Message.Role = "user"
	turn.Message.Content = append(turn.Message.Content, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: prompt})
	return json.Marshal(&turn)
}

// converse writes one prompt and reads events until the turn's result.
func (p *persistent) converse(ctx context.Context, ms *managedSession, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame, err := encodeUserTurn(req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}
	if _, err := ms.stdin.Write(append(frame, '\n')); err != nil {
		return nil, fmt.Errorf("writing prompt: %w", err)
	}

	sessionID := ms.sessionID
	for {
		select {
		case <-turnCtx.Done():
			return nil, fmt.Errorf("claude turn timed out after %s", timeout)
		case event, ok := <-ms.events:
			if !ok {
				return nil, fmt.Errorf("claude process exited mid-turn")
			}
			if event.isInit() && event.SessionID != "" {
				sessionID = event.SessionID
			}
			if req.OnOutput != nil {
				for _, se := range streamEvents(event) {
					req.OnOutput(se)
				}
			}
			if !event.isResult() {
				continue
			}
			if event.SessionID != "" {
				sessionID = event.SessionID
			}
			if event.IsError {
				return nil, &Error{
					Message:    event.Result,
					SessionID:  sessionID,
					DurationMs: event.DurationMs,
				}
			}
			return &Result{
				Output:     event.Result,
				SessionID:  sessionID,
				CostUSD:    event.TotalCostUSD,
				NumTurns:   event.NumTurns,
				DurationMs: event.DurationMs,
				Usage:      event.Usage,
				ModelUsage: event.ModelUsage,
			}, nil
		}
	}
}

func (p *persistent) drop(workDir string, ms *managedSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[workDir] == ms {
		delete(p.sessions, workDir)
	}
	p.teardown(ms)
}

// teardown must run with p.mu held or on an unreachable session.
func (p *persistent) teardown(ms *managedSession) {
	_ = ms.stdin.Close()
	ms.cancel()
}

func (p *persistent) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for workDir, ms := range p.sessions {
		log.Debug(log.CatAgent, "closing persistent agent", "workDir", workDir)
		p.teardown(ms)
		delete(p.sessions, workDir)
	}
}

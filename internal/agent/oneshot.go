package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/accordhq/accord/internal/log"
)

const (
	claudeExecutable = "claude"
	defaultTimeout   = 30 * time.Minute

	// scanBuffer sizes for stream-json lines: tool results can be large.
	scanInitial = 64 * 1024
	scanMax     = 1024 * 1024
)

// knownClaudePaths are checked before falling back to PATH lookup.
var knownClaudePaths = []string{
	"~/.claude/local/claude",
	"~/.claude/claude",
}

func init() {
	Register("claude-code", func(Options) (Invoker, error) {
		path, err := findClaude()
		if err != nil {
			return nil, err
		}
		return &oneshot{execPath: path}, nil
	})
}

// oneshot spawns one claude CLI process per invocation. Session
// continuity across invocations uses --resume with the id captured from
// the previous run's init event.
type oneshot struct {
	execPath string
}

func findClaude() (string, error) {
	for _, p := range knownClaudePaths {
		candidate := expandHome(p)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(claudeExecutable)
	if err != nil {
		return "", fmt.Errorf("claude executable not found: %w", err)
	}
	return path, nil
}

func (o *oneshot) SupportsResume() bool { return true }

func (o *oneshot) CloseAll() {}

func (o *oneshot) Invoke(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	procCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := buildClaudeArgs(req)
	//nolint:gosec // G204: execPath resolved by findClaude, args built from config
	cmd := exec.CommandContext(procCtx, o.execPath, args...)
	cmd.Dir = req.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	log.Debug(log.CatAgent, "spawning claude",
		"workDir", req.WorkDir, "resume", req.ResumeSessionID, "model", req.Model)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	var stderrLines []string
	var stderrMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			log.Debug(log.CatAgent, "claude stderr", "line", line)
			stderrMu.Lock()
			stderrLines = append(stderrLines, line)
			stderrMu.Unlock()
		}
	}()

	result, agentErr := consumeStream(stdout, req.OnOutput)

	waitErr := cmd.Wait()
	wg.Wait()

	if procCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("claude timed out after %s", timeout)
	}
	if agentErr != nil {
		return nil, agentErr
	}
	if waitErr != nil {
		stderrMu.Lock()
		msg := strings.Join(stderrLines, "\n")
		stderrMu.Unlock()
		if msg != "" {
			return nil, fmt.Errorf("claude exited: %w: %s", waitErr, msg)
		}
		return nil, fmt.Errorf("claude exited: %w", waitErr)
	}
	if result == nil {
		return nil, fmt.Errorf("claude produced no result event")
	}
	return result, nil
}

// consumeStream reads stream-json lines until EOF, forwarding stream
// events and returning the final result. An is_error result comes back
// as *Error.
func consumeStream(r io.Reader, onOutput func(StreamEvent)) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanInitial), scanMax)

	var sessionID string
	var result *Result
	var agentErr error

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := parseWireEvent(line)
		if err != nil {
			log.Debug(log.CatAgent, "unparseable stream line", "error", err, "line", string(line))
			continue
		}

		if event.isInit() && event.SessionID != "" {
			sessionID = event.SessionID
		}
		if onOutput != nil {
			for _, se := range streamEvents(event) {
				onOutput(se)
			}
		}
		if !event.isResult() {
			continue
		}

		if event.SessionID != "" {
			sessionID = event.SessionID
		}
		if event.IsError {
			agentErr = &Error{
				Message:    event.Result,
				SessionID:  sessionID,
				DurationMs: event.DurationMs,
			}
			continue
		}
		result = &Result{
			Output:     event.Result,
			SessionID:  sessionID,
			CostUSD:    event.TotalCostUSD,
			NumTurns:   event.NumTurns,
			DurationMs: event.DurationMs,
			Usage:      event.Usage,
			ModelUsage: event.ModelUsage,
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatAgent, "stream scanner error", "error", err)
	}
	return result, agentErr
}

func buildClaudeArgs(req Request) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	// The -- separator keeps the prompt from being consumed by flags.
	args = append(args, "--", req.Prompt)
	return args
}

func expandHome(p string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/accordhq/accord/internal/log"
)

// maxShellOutput bounds captured stdout so a runaway command cannot
// exhaust memory. Output past the cap is discarded.
const maxShellOutput = 1 << 20

func init() {
	Register("shell", func(opts Options) (Invoker, error) {
		if len(opts.AgentCmd) == 0 {
			return nil, fmt.Errorf("shell adapter requires agent_cmd")
		}
		return &shell{argv: opts.AgentCmd}, nil
	})
}

// shell runs an arbitrary command with the prompt appended as the final
// argument. It has no session concept: every invocation is independent,
// and the only stream event is the final output text.
type shell struct {
	argv []string
}

// Failure carries the trimmed stderr of a failed shell agent run.
type Failure struct {
	ExitErr error
	Stderr  string
}

func (f *Failure) Error() string {
	if f.Stderr != "" {
		return fmt.Sprintf("shell agent failed: %v: %s", f.ExitErr, f.Stderr)
	}
	return fmt.Sprintf("shell agent failed: %v", f.ExitErr)
}

func (f *Failure) Unwrap() error { return f.ExitErr }

func (s *shell) SupportsResume() bool { return false }

func (s *shell) CloseAll() {}

func (s *shell) Invoke(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	procCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), s.argv[1:]...), req.Prompt)
	//nolint:gosec // G204: argv comes from the hub config, not request content
	cmd := exec.CommandContext(procCtx, s.argv[0], args...)
	cmd.Dir = req.WorkDir

	var stdout boundedBuffer
	var stderr bytes.Buffer
	stdout.limit = maxShellOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug(log.CatAgent, "running shell agent", "cmd", s.argv[0], "workDir", req.WorkDir)
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if procCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("shell agent timed out after %s", timeout)
	}
	if err != nil {
		return nil, &Failure{ExitErr: err, Stderr: trimStderr(stderr.String())}
	}

	output := stdout.String()
	if req.OnOutput != nil {
		req.OnOutput(StreamEvent{Kind: KindText, Text: output})
	}
	return &Result{
		Output:     output,
		DurationMs: duration.Milliseconds(),
	}, nil
}

// trimStderr keeps the tail of stderr, which is where the actionable
// message usually is.
func trimStderr(s string) string {
	s = strings.TrimSpace(s)
	const keep = 2048
	if len(s) > keep {
		s = "..." + s[len(s)-keep:]
	}
	return s
}

// boundedBuffer is an io.Writer that stops growing at limit.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() >= b.limit {
		return len(p), nil
	}
	if room := b.limit - b.buf.Len(); len(p) > room {
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }

var _ io.Writer = (*boundedBuffer)(nil)

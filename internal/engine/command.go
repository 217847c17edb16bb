package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const defaultStderrTail = 4096

// CommandConfig configures an external automation executable
type CommandConfig struct {
	Path string
	Args []string
	// Env is appended to the worker's environment
	Env []string
	// StderrTail bounds how much stderr is kept for the error summary
	StderrTail int
}

// Command runs the automation as a child process. The RunConfig is written
// to stdin as JSON so credentials never appear in argv or the environment.
// On exit 0 the process may print a Usage JSON object as its last stdout line.
type Command struct {
	cfg    CommandConfig
	logger *slog.Logger
}

var _ Engine = (*Command)(nil)

// NewCommand resolves the executable and returns a Command engine
func NewCommand(cfg CommandConfig, logger *slog.Logger) (*Command, error) {
	if cfg.Path == "" {
		return nil, errors.New("engine command path is required")
	}
	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve engine command: %w", err)
	}
	cfg.Path = path
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = defaultStderrTail
	}
	return &Command{cfg: cfg, logger: logger}, nil
}

// Run executes the command and enforces the usage it reports
func (c *Command) Run(ctx context.Context, rc *RunConfig) error {
	input, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}

	var stdout bytes.Buffer
	stderr := newTailBuffer(c.cfg.StderrTail)

	cmd := exec.CommandContext(ctx, c.cfg.Path, c.cfg.Args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err = cmd.Run()
	c.logger.Debug("Engine command finished",
		slog.String("job_identity", rc.Identity.String()),
		slog.Duration("duration", time.Since(start)),
		slog.Int("exit_code", cmd.ProcessState.ExitCode()),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("engine command interrupted: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("engine command exited with code %d: %s", exitErr.ExitCode(), stderr.Summary())
		}
		return fmt.Errorf("failed to run engine command: %w", err)
	}

	usage, ok, err := parseUsage(stdout.Bytes())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return CheckUsage(rc.RateLimits, usage)
}

// parseUsage reads the last non-empty stdout line as Usage
func parseUsage(out []byte) (Usage, bool, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return Usage{}, false, nil
	}

	var u Usage
	if err := json.Unmarshal([]byte(last), &u); err != nil {
		return Usage{}, false, fmt.Errorf("invalid usage report from engine command: %w", err)
	}
	return u, true, nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
		t.dropped = true
	}
	return len(p), nil
}

// Summary returns the retained output on one line
func (t *tailBuffer) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := strings.Join(strings.Fields(string(t.buf)), " ")
	if s == "" {
		return "no output"
	}
	if t.dropped {
		return "..." + s
	}
	return s
}

// Package collector captures the output of a test-program process:
// incrementally line-by-line for streaming programs, or in one piece for
// batch programs, under a wall-clock timeout.
package collector

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/funcbench/funcbench/logger"
	"github.com/funcbench/funcbench/model"
)

const (
	// Long single-line payloads are normal for batch programs, so the
	// scanner buffer is generous.
	maxLineBytes    = 4 * 1024 * 1024
	lineChannelSize = 64
)

// Collector drives one child process's output streams. Timeout bounds the
// whole collection; GraceTimeout is how long a terminated process gets to
// exit before it is killed.
type Collector struct {
	Timeout      time.Duration
	GraceTimeout time.Duration
}

// New builds a Collector from run-wide settings.
func New(settings model.Settings) *Collector {
	return &Collector{
		Timeout:      settings.ParseTimeout(),
		GraceTimeout: settings.ParseGraceTimeout(),
	}
}

// Result is everything captured from one process: raw text, parsed events
// in emission order, the exit code, and whether collection was cut short.
// A timeout is a truncation, not a failure: events collected before the
// deadline are retained.
type Result struct {
	Stdout     string
	Stderr     string
	Events     []model.EventRecord
	ReturnCode int
	TimedOut   bool
}

// Collect starts the command and gathers its output. In stream mode every
// well-formed JSON line becomes an event the moment it arrives; in batch
// mode stdout is parsed after the process exits. The process never
// outlives the call.
func (c *Collector) Collect(ctx context.Context, cmd *exec.Cmd, stream bool) (Result, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, err
	}

	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	lines := make(chan string, lineChannelSize)
	var stderrBuf lockedBuilder

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		defer close(lines)
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			stderrBuf.WriteLine(scanner.Text())
		}
	}()

	// Wait must not run until both pipes hit EOF.
	waitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitCh <- cmd.Wait()
	}()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = model.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stdout strings.Builder
	events := make([]model.EventRecord, 0)
	result := Result{}

	consume := func(line string) {
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if !stream {
			return
		}
		trimmed := strings.TrimSpace(line)
		if !isObject(trimmed) {
			return
		}
		record, err := model.ParseEventRecord([]byte(trimmed))
		if err != nil {
			logger.Logger.Debug("Skipping malformed event line", "error", err)
			return
		}
		events = append(events, record)
	}

	pending := lines
loop:
	for {
		select {
		case line, ok := <-pending:
			if !ok {
				pending = nil
				continue
			}
			consume(line)
		case err := <-waitCh:
			result.ReturnCode = exitCode(err)
			break loop
		case <-timer.C:
			logger.Logger.Warn("Collection timed out, reclaiming process", "timeout", timeout)
			result.TimedOut = true
			result.ReturnCode = exitCode(c.stop(cmd, waitCh, pending, consume))
			break loop
		case <-ctx.Done():
			logger.Logger.Warn("Collection cancelled, reclaiming process")
			result.TimedOut = true
			result.ReturnCode = exitCode(c.stop(cmd, waitCh, pending, consume))
			break loop
		}
	}

	// The line channel is closed by now; drain whatever the reader got in
	// before the process went away.
	if pending != nil {
		for line := range pending {
			consume(line)
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderrBuf.String()

	if stream {
		result.Events = events
	} else {
		result.Events = ParseResponses(result.Stdout)
	}

	return result, nil
}

// stop terminates the child gracefully, escalating to a kill after the
// grace period, and reaps it. The line channel must keep draining while
// waiting: a chatty child can have the stdout reader blocked on a full
// channel, and waitCh is only written once both readers finish. Returns
// the wait error for exit-code extraction.
func (c *Collector) stop(cmd *exec.Cmd, waitCh <-chan error, lines <-chan string, consume func(string)) error {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Signal is unsupported on some platforms once the process is
			// gone or on Windows; fall straight through to Kill.
			_ = cmd.Process.Kill()
		}
	}

	grace := c.GraceTimeout
	if grace <= 0 {
		grace = model.DefaultGraceTimeout
	}
	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			consume(line)
		case err := <-waitCh:
			return err
		case <-graceTimer.C:
			if cmd.Process != nil {
				logger.Logger.Warn("Process ignored terminate signal, killing", "grace", grace)
				_ = cmd.Process.Kill()
			}
		}
	}
}

// ParseResponses parses batch output: first as a single JSON document,
// then as newline-delimited JSON, silently dropping lines that fail to
// parse. Only JSON objects become events; scalars like a bare "null"
// carry no record fields and are skipped. Empty output yields an empty
// slice.
func ParseResponses(stdout string) []model.EventRecord {
	events := make([]model.EventRecord, 0)

	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return events
	}

	if isObject(trimmed) {
		if record, err := model.ParseEventRecord([]byte(trimmed)); err == nil {
			return append(events, record)
		}
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if !isObject(line) {
			continue
		}
		record, err := model.ParseEventRecord([]byte(line))
		if err != nil {
			continue
		}
		events = append(events, record)
	}

	return events
}

func isObject(trimmed string) bool {
	return strings.HasPrefix(trimmed, "{")
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// lockedBuilder is a string accumulator safe for one writer and a reader
// that may snapshot it while the writer is still draining a pipe.
type lockedBuilder struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *lockedBuilder) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.WriteString(line)
	b.sb.WriteByte('\n')
}

func (b *lockedBuilder) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

// Package runner wraps subprocess execution for agent invocations: scrubbed
// environment, hard timeout, and concurrent line-streamed output capture.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"adw/internal/adwerrors"
	"adw/internal/observability"
)

// DefaultTimeout bounds a single agent invocation.
const DefaultTimeout = 600 * time.Second

// scrubbedEnvVars are removed from every child environment so the agent uses
// its own credentials.
var scrubbedEnvVars = []string{"ANTHROPIC_API_KEY"}

// Line is one line of child output, tagged with its stream.
type Line struct {
	Text   string
	Stderr bool
}

// LineHandler receives each output line before it is appended to the
// captured output. Handlers run on the reader goroutine unless the request
// asks for async dispatch.
type LineHandler func(Line)

// Request describes one subprocess invocation.
type Request struct {
	Command []string
	Dir     string
	Timeout time.Duration
	// Extra environment entries appended after scrubbing, KEY=VALUE form.
	Env []string
	// OnLine, when set, is invoked for every stdout/stderr line.
	OnLine LineHandler
	// AsyncLines moves OnLine dispatch onto a dedicated goroutine so a slow
	// handler cannot stall the stream readers.
	AsyncLines bool
}

// Result reports the outcome of a run. A timed-out run has ExitCode -1 and a
// ProcessTimeoutError in Err.
type Result struct {
	Success     bool
	Command     string
	ExitCode    int
	Output      string
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
}

// Runner executes subprocesses with the four fixed guarantees: auth
// scrubbing, timeout, streamed output, and caller-controlled working
// directory.
type Runner struct {
	logger *observability.Logger
}

// New creates a Runner.
func New(logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewComponentLogger("ProcessRunner")
	}
	return &Runner{logger: logger}
}

// Run executes the request and blocks until the child exits or the timeout
// kills it. The child is started in req.Dir; the runner's own working
// directory never changes.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	started := time.Now()
	commandLine := strings.Join(req.Command, " ")

	result := Result{
		Command:   commandLine,
		StartedAt: started,
	}

	if len(req.Command) == 0 {
		result.ExitCode = -1
		result.Err = &adwerrors.ValidationError{Field: "command", Message: "empty command"}
		result.CompletedAt = time.Now()
		return result
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = append(r.scrubEnv(os.Environ()), req.Env...)
	// CommandContext sends SIGKILL when the context expires.

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.failEarly(result, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.failEarly(result, err)
	}

	if err := cmd.Start(); err != nil {
		return r.failEarly(result, err)
	}

	handler, closeHandler := wrapHandler(req)

	var (
		outputMu sync.Mutex
		output   strings.Builder
	)
	appendLine := func(line Line) {
		if handler != nil {
			handler(line)
		}
		outputMu.Lock()
		if line.Stderr {
			output.WriteString("[stderr] ")
		}
		output.WriteString(line.Text)
		output.WriteByte('\n')
		outputMu.Unlock()
	}

	// Both streams are drained concurrently until they close; otherwise a
	// chatty child can deadlock on a full pipe.
	var g errgroup.Group
	g.Go(func() error { return readLines(stdout, false, appendLine) })
	g.Go(func() error { return readLines(stderr, true, appendLine) })
	readErr := g.Wait()

	waitErr := cmd.Wait()
	closeHandler()
	result.CompletedAt = time.Now()

	outputMu.Lock()
	result.Output = output.String()
	outputMu.Unlock()

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.Err = &adwerrors.ProcessTimeoutError{
			Command: commandLine,
			Seconds: timeout.Seconds(),
		}
		r.logger.Warn("process timed out", "command", req.Command[0], "timeout", timeout)
		return result
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Err = &adwerrors.ProcessFailedError{
			Command:    commandLine,
			ExitCode:   result.ExitCode,
			OutputTail: tail(result.Output, 2000),
		}
		return result
	}
	if readErr != nil {
		result.ExitCode = -1
		result.Err = fmt.Errorf("failed to stream output: %w", readErr)
		return result
	}

	result.Success = true
	return result
}

func (r *Runner) failEarly(result Result, err error) Result {
	result.ExitCode = -1
	result.Err = err
	result.CompletedAt = time.Now()
	return result
}

func readLines(reader interface{ Read([]byte) (int, error) }, isStderr bool, sink func(Line)) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(Line{Text: scanner.Text(), Stderr: isStderr})
	}
	if err := scanner.Err(); err != nil {
		// A killed child closes its pipes abruptly; that is not a stream
		// failure worth surfacing over the timeout error.
		if strings.Contains(err.Error(), "file already closed") {
			return nil
		}
		return err
	}
	return nil
}

// wrapHandler dispatches lines either inline or through a buffered channel
// serviced by a single goroutine, so both synchronous and slow handlers share
// one streaming loop.
func wrapHandler(req Request) (LineHandler, func()) {
	if req.OnLine == nil {
		return nil, func() {}
	}
	if !req.AsyncLines {
		return req.OnLine, func() {}
	}

	ch := make(chan Line, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range ch {
			req.OnLine(line)
		}
	}()
	handler := func(line Line) {
		select {
		case ch <- line:
		default:
			// Drop rather than stall the readers when the consumer lags.
		}
	}
	return handler, func() {
		close(ch)
		<-done
	}
}

func (r *Runner) scrubEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, entry := range env {
		scrubbed := false
		for _, key := range scrubbedEnvVars {
			if strings.HasPrefix(entry, key+"=") {
				r.logger.Debug("scrubbed credential from child env",
					"key", key, "value", observability.SanitizeAPIKey(entry[len(key)+1:]))
				scrubbed = true
				break
			}
		}
		if !scrubbed {
			out = append(out, entry)
		}
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adw/internal/adwerrors"
)

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()
	r := New(nil)

	res := r.Run(context.Background(), Request{
		Command: []string{"sh", "-c", "echo out; echo err >&2"},
	})

	require.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "[stderr] err")
}

func TestRunScrubsAnthropicAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")
	r := New(nil)

	res := r.Run(context.Background(), Request{
		Command: []string{"sh", "-c", `printf '%s' "${ANTHROPIC_API_KEY:-unset}"`},
	})

	require.True(t, res.Success)
	assert.Contains(t, res.Output, "unset")
	assert.NotContains(t, res.Output, "sk-ant-secret")
}

func TestRunExtraEnvPassedThrough(t *testing.T) {
	t.Parallel()
	r := New(nil)

	res := r.Run(context.Background(), Request{
		Command: []string{"sh", "-c", `printf '%s' "$EXTRA_VAR"`},
		Env:     []string{"EXTRA_VAR=hello"},
	})

	require.True(t, res.Success)
	assert.Contains(t, res.Output, "hello")
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	r := New(nil)

	start := time.Now()
	res := r.Run(context.Background(), Request{
		Command: []string{"sleep", "30"},
		Timeout: 200 * time.Millisecond,
	})

	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.True(t, adwerrors.IsTimeout(res.Err), "expected ProcessTimeoutError, got %v", res.Err)
	assert.Less(t, time.Since(start), 5*time.Second, "SIGKILL must fire near the deadline")
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()
	r := New(nil)

	res := r.Run(context.Background(), Request{
		Command: []string{"sh", "-c", "echo failing; exit 3"},
	})

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.True(t, adwerrors.IsProcessFailed(res.Err))
}

func TestRunEmptyCommand(t *testing.T) {
	t.Parallel()
	r := New(nil)

	res := r.Run(context.Background(), Request{})
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.Error(t, res.Err)
}

func TestRunLineHandler(t *testing.T) {
	t.Parallel()
	r := New(nil)

	var lines []Line
	res := r.Run(context.Background(), Request{
		Command: []string{"sh", "-c", "echo one; echo two"},
		OnLine:  func(l Line) { lines = append(lines, l) },
	})

	require.True(t, res.Success)
	var texts []string
	for _, l := range lines {
		texts = append(texts, l.Text)
	}
	assert.Contains(t, texts, "one")
	assert.Contains(t, texts, "two")
}

func TestRunAsyncLineHandler(t *testing.T) {
	t.Parallel()
	r := New(nil)

	got := make(chan string, 16)
	res := r.Run(context.Background(), Request{
		Command:    []string{"sh", "-c", "echo streamed"},
		OnLine:     func(l Line) { got <- l.Text },
		AsyncLines: true,
	})
	close(got)

	require.True(t, res.Success)
	var all []string
	for text := range got {
		all = append(all, text)
	}
	assert.Contains(t, strings.Join(all, "\n"), "streamed")
}

func TestRunWorkingDirectory(t *testing.T) {
	t.Parallel()
	r := New(nil)
	dir := t.TempDir()

	res := r.Run(context.Background(), Request{
		Command: []string{"pwd"},
		Dir:     dir,
	})

	require.True(t, res.Success)
	assert.Contains(t, res.Output, dir)
}

// Package logmonitor tails the Claude Code JSONL output under
// agents/<adw_id>/ and converts each line into a typed WebSocket event.
package logmonitor

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"adw/internal/observability"
)

// EmitFunc receives every mapped event. It must not block.
type EmitFunc func(eventType string, data map[string]any)

// Monitor watches one workflow's agent log directory. New .jsonl files are
// picked up as sub-agents create them; each file is tailed from its last
// processed offset so restarts do not replay events.
type Monitor struct {
	adwID  string
	dir    string
	emit   EmitFunc
	logger *observability.Logger

	pollInterval time.Duration

	mu      sync.Mutex
	offsets map[string]int64
}

// New creates a monitor for agentsDir/<adwID>.
func New(agentsDir, adwID string, emit EmitFunc, logger *observability.Logger) *Monitor {
	if logger == nil {
		logger = observability.NewComponentLogger("LogMonitor")
	}
	return &Monitor{
		adwID:        adwID,
		dir:          filepath.Join(agentsDir, adwID),
		emit:         emit,
		logger:       logger.With("adw_id", adwID),
		pollInterval: 500 * time.Millisecond,
		offsets:      make(map[string]int64),
	}
}

// Run tails the directory until ctx is cancelled. fsnotify wakes the scan
// early; the poll ticker covers filesystems where watches are unreliable and
// files that grow without emitting events.
func (m *Monitor) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if addErr := watcher.Add(m.dir); addErr != nil {
			// The directory may not exist yet; polling picks it up later.
			m.logger.Debug("watch add failed, relying on polling", "error", addErr)
		}
	} else {
		m.logger.Warn("fsnotify unavailable, polling only", "error", err)
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	watched := false
	for {
		m.Scan()

		// Attach the watch as soon as the directory appears.
		if watcher != nil && !watched {
			if err := watcher.Add(m.dir); err == nil {
				watched = true
			}
		}

		var eventCh <-chan fsnotify.Event
		var errCh <-chan error
		if watcher != nil {
			eventCh = watcher.Events
			errCh = watcher.Errors
		}

		select {
		case <-ctx.Done():
			m.Scan()
			return
		case <-ticker.C:
		case <-eventCh:
		case err := <-errCh:
			if err != nil {
				m.logger.Debug("watch error", "error", err)
			}
		}
	}
}

// Scan walks the directory once, tailing every .jsonl file from its stored
// offset. Safe to call concurrently with Run.
func (m *Monitor) Scan() {
	var files []string
	_ = filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			files = append(files, path)
		}
		return nil
	})

	for _, path := range files {
		m.tailFile(path)
	}
}

// tailFile reads complete new lines from path. A partial trailing line stays
// unconsumed until its newline arrives.
func (m *Monitor) tailFile(path string) {
	m.mu.Lock()
	offset := m.offsets[path]
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < offset {
		// Truncated or rotated; start over.
		offset = 0
	}
	if info.Size() == offset {
		return
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	consumed := offset
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// err == io.EOF with a partial line: leave it for the next pass.
			break
		}
		consumed += int64(len(line))
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m.processLine(filepath.Base(path), trimmed)
	}

	m.mu.Lock()
	m.offsets[path] = consumed
	m.mu.Unlock()
}

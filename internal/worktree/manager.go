// Package worktree manages the isolated working directories under
// trees/<adw_id>/ that give each workflow its own checkout.
package worktree

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"adw/internal/gitops"
	"adw/internal/observability"
	"adw/internal/state"
)

// InvalidReason tells the caller which of the three consistency legs failed.
type InvalidReason string

const (
	// ReasonNoPath - the state row has no worktree_path.
	ReasonNoPath InvalidReason = "no_path"
	// ReasonMissingDir - the directory does not exist on disk.
	ReasonMissingDir InvalidReason = "missing_dir"
	// ReasonNotRegistered - git does not list the path as a worktree.
	ReasonNotRegistered InvalidReason = "not_registered"
)

// Manager creates, validates, and removes per-workflow worktrees.
type Manager struct {
	treesDir string
	git      *gitops.Git
	logger   *observability.Logger
}

// NewManager creates a Manager rooted at treesDir.
func NewManager(treesDir string, git *gitops.Git, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewComponentLogger("WorktreeManager")
	}
	return &Manager{treesDir: treesDir, git: git, logger: logger}
}

// Path returns the worktree location for a workflow id.
func (m *Manager) Path(adwID string) string {
	return filepath.Join(m.treesDir, adwID)
}

// Create fetches origin and adds a worktree for the branch. The branch is
// created off main; an existing branch is checked out instead.
func (m *Manager) Create(ctx context.Context, adwID, branchName string) (string, error) {
	path := m.Path(adwID)

	if err := os.MkdirAll(m.treesDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create trees dir: %w", err)
	}

	if err := m.git.FetchOrigin(ctx); err != nil {
		// Offline runs still work against the local main ref.
		m.logger.Warn("fetch origin failed, continuing with local refs", "error", err)
	}

	if err := m.git.WorktreeAdd(ctx, path, branchName); err != nil {
		return "", fmt.Errorf("failed to add worktree for %s: %w", adwID, err)
	}

	m.logger.Info("worktree created", "adw_id", adwID, "path", path, "branch", branchName)
	return path, nil
}

// Validate runs the three-way consistency check: the state row names a path,
// the directory exists, and git lists it as a registered worktree.
func (m *Manager) Validate(ctx context.Context, st *state.ADWState) (bool, InvalidReason, error) {
	if st == nil || st.WorktreePath == "" {
		return false, ReasonNoPath, nil
	}

	info, err := os.Stat(st.WorktreePath)
	if err != nil || !info.IsDir() {
		return false, ReasonMissingDir, nil
	}

	registered, err := m.git.WorktreeList(ctx)
	if err != nil {
		return false, "", err
	}
	want, _ := filepath.Abs(st.WorktreePath)
	for _, p := range registered {
		got, _ := filepath.Abs(p)
		if got == want {
			return true, "", nil
		}
	}
	return false, ReasonNotRegistered, nil
}

// Remove drops the worktree: git remove --force, best-effort rm -rf when git
// failed, then prune. Deletion is only reached through callers that already
// validated ownership.
func (m *Manager) Remove(ctx context.Context, adwID string) (bool, error) {
	path := m.Path(adwID)

	gitErr := m.git.WorktreeRemove(ctx, path)
	if gitErr != nil {
		m.logger.Warn("git worktree remove failed, falling back to rm", "adw_id", adwID, "error", gitErr)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return false, fmt.Errorf("failed to remove worktree dir: %w", rmErr)
		}
	}

	if err := m.git.WorktreePrune(ctx); err != nil {
		m.logger.Warn("worktree prune failed", "error", err)
	}

	if _, err := os.Stat(path); err == nil {
		return false, fmt.Errorf("worktree path still exists after removal: %s", path)
	}
	return true, nil
}

// Port allocation below is deprecated: with a reverse proxy running,
// <adw_id>.localhost host routing replaces local ports entirely.

const (
	portRangeBase = 9100
	portRangeSize = 15
	portsPerSlot  = 10
)

// ProxyRunning reports whether the local reverse proxy answers on :80.
func ProxyRunning() bool {
	conn, err := net.DialTimeout("tcp", "localhost:80", 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// HostURL returns the proxy-routed URL for a workflow.
func HostURL(adwID string) string {
	return fmt.Sprintf("http://%s.localhost", strings.ToLower(adwID))
}

// PortOffset maps an adw_id deterministically into one of the reserved
// slots: base36(adw_id[:8]) mod 15.
func PortOffset(adwID string) int {
	id := strings.ToLower(adwID)
	if len(id) > 8 {
		id = id[:8]
	}
	n, err := strconv.ParseUint(id, 36, 64)
	if err != nil {
		// Non-base36 ids hash by byte sum instead of failing allocation.
		var sum uint64
		for _, b := range []byte(id) {
			sum += uint64(b)
		}
		n = sum
	}
	return int(n % portRangeSize)
}

// AllocatePorts returns the backend, websocket, and frontend ports for the
// workflow's deterministic slot.
func AllocatePorts(adwID string) (backend, websocket, frontend int) {
	base := portRangeBase + PortOffset(adwID)*portsPerSlot
	return base, base + 1, base + 2
}

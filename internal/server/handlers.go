package server

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"adw/internal/state"
	"adw/internal/worktree"
)

func (s *Server) handleList(c *gin.Context) {
	summaries, err := s.discovery.ListActive(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list workflows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list workflows"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adws": summaries, "count": len(summaries)})
}

func (s *Server) handleGet(c *gin.Context) {
	adwID := c.Param("adw_id")
	if !state.IsValidADWID(adwID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid adw_id format"})
		return
	}

	st, err := s.store.Get(c.Request.Context(), adwID)
	if err != nil {
		s.logger.Error("failed to load state", "adw_id", adwID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load state"})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "adw not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleActivity(c *gin.Context) {
	adwID := c.Param("adw_id")
	if !state.IsValidADWID(adwID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid adw_id format"})
		return
	}
	entries, err := s.store.ListActivity(c.Request.Context(), adwID)
	if err != nil {
		s.logger.Error("failed to list activity", "adw_id", adwID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adw_id": adwID, "activity": entries})
}

// planCache memoizes plan file contents keyed by path, invalidated by mtime.
type planCache struct {
	cache *lru.Cache[string, planEntry]
}

type planEntry struct {
	modTime time.Time
	content string
}

func newPlanCache(size int) *planCache {
	cache, _ := lru.New[string, planEntry](size)
	return &planCache{cache: cache}
}

func (p *planCache) read(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if entry, ok := p.cache.Get(path); ok && entry.modTime.Equal(info.ModTime()) {
		return entry.content, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	p.cache.Add(path, planEntry{modTime: info.ModTime(), content: string(data)})
	return string(data), nil
}

func (s *Server) handleGetPlan(c *gin.Context) {
	adwID := c.Param("adw_id")
	if !state.IsValidADWID(adwID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid adw_id format"})
		return
	}

	st, err := s.store.Get(c.Request.Context(), adwID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load state"})
		return
	}

	var candidates []string
	if st != nil && st.PlanFile != "" {
		if filepath.IsAbs(st.PlanFile) {
			candidates = append(candidates, st.PlanFile)
		} else {
			if st.WorktreePath != "" {
				candidates = append(candidates, filepath.Join(st.WorktreePath, st.PlanFile))
			}
			candidates = append(candidates, st.PlanFile)
		}
	}
	candidates = append(candidates, filepath.Join(s.cfg.AgentsDir, adwID, "sdlc_planner", "plan.md"))

	for _, path := range candidates {
		content, err := s.planCache.read(path)
		if err != nil {
			continue
		}
		c.JSON(http.StatusOK, gin.H{"adw_id": adwID, "plan_file": path, "plan_content": content})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
}

// handleDelete soft-deletes the row and tears down the worktree. Deleting an
// absent or already-deleted workflow returns 404; the delete itself never
// resurrects anything.
func (s *Server) handleDelete(c *gin.Context) {
	adwID := c.Param("adw_id")
	if !state.IsValidADWID(adwID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid adw_id format"})
		return
	}

	affected, err := s.store.SoftDelete(c.Request.Context(), adwID)
	if err != nil {
		s.logger.Error("soft delete failed", "adw_id", adwID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "adw not found"})
		return
	}

	// Worktree teardown is best-effort; the row is already gone from view.
	if removed, err := s.worktrees.Remove(c.Request.Context(), adwID); err != nil {
		s.logger.Warn("worktree removal failed after delete", "adw_id", adwID, "error", err)
	} else if removed {
		s.logger.Info("worktree removed", "adw_id", adwID)
	}

	s.hub.BroadcastAgentState("agent_deleted", map[string]any{"adw_id": adwID})
	c.JSON(http.StatusOK, gin.H{"success": true, "db_updated": true})
}

// handleOpenWorktree launches a terminal session in the workflow's worktree.
func (s *Server) handleOpenWorktree(c *gin.Context) {
	s.openIn(c, func(path string) *exec.Cmd {
		return exec.Command("tmux", "new-window", "-c", path)
	})
}

// handleOpenCodebase opens the worktree in the configured IDE.
func (s *Server) handleOpenCodebase(c *gin.Context) {
	ide := s.cfg.IDEPreference
	if ide == "" {
		ide = "code"
	}
	s.openIn(c, func(path string) *exec.Cmd {
		return exec.Command(ide, path)
	})
}

func (s *Server) openIn(c *gin.Context, build func(path string) *exec.Cmd) {
	adwID := c.Param("adw_id")
	if !state.IsValidADWID(adwID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid adw_id format"})
		return
	}

	st, err := s.store.Get(c.Request.Context(), adwID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load state"})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "adw not found"})
		return
	}

	ok, reason, err := s.worktrees.Validate(c.Request.Context(), st)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "worktree validation failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "worktree invalid", "reason": string(reason)})
		return
	}

	cmd := build(st.WorktreePath)
	if err := cmd.Start(); err != nil {
		s.logger.Warn("failed to launch", "adw_id", adwID, "command", cmd.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to launch"})
		return
	}
	go func() { _ = cmd.Wait() }()

	resp := gin.H{"adw_id": adwID, "path": st.WorktreePath}
	if worktree.ProxyRunning() {
		resp["host_url"] = worktree.HostURL(adwID)
	} else {
		backend, websocket, frontend := worktree.AllocatePorts(adwID)
		resp["ports"] = gin.H{"backend": backend, "websocket": websocket, "frontend": frontend}
	}
	c.JSON(http.StatusOK, resp)
}

// handleAgentStateUpdate fans an agent_* state event out to clients verbatim.
func (s *Server) handleAgentStateUpdate(c *gin.Context) {
	var body struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	switch body.EventType {
	case "agent_created", "agent_updated", "agent_deleted", "agent_status_change", "agent_summary_update":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown agent event type"})
		return
	}

	if body.Data == nil {
		body.Data = map[string]any{}
	}
	s.hub.BroadcastAgentState(body.EventType, body.Data)
	c.JSON(http.StatusOK, gin.H{"broadcast": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"active_connections": s.hub.ActiveConnections(),
		"server_time":        time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	})
}

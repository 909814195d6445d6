package api

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arenaproj/arena/pkg/env"
	"github.com/arenaproj/arena/pkg/store"
)

func (s *Server) handleResults(c *gin.Context) {
	results, err := s.results.List(c.Request.Context(), c.Param("env"))
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// handleErrors exposes the bounded internal error buffer, including
// stack traces, to admins only.
func (s *Server) handleErrors(c *gin.Context) {
	if !s.isAdmin(c, "") {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": s.errors.Entries()})
}

func (s *Server) handleDiskUsage(c *gin.Context) {
	if !s.isAdmin(c, "") {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}

	dbSize, err := s.store.Client().Size(c.Request.Context())
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"database_bytes": dbSize,
		"data_dir_bytes": dirSize(s.cfg.DataDir),
	})
}

func (s *Server) handleRemoveNonRecentRuns(c *gin.Context) {
	if !s.isAdmin(c, "") {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}

	deleted, err := s.cleanup.RemoveNonRecentRuns(c.Request.Context())
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// handleViewRun shows one run's raw record, including the environment's
// own summary when it implements the RunViewer hook. Run state is never
// agent-visible, hence admin only.
func (s *Server) handleViewRun(c *gin.Context) {
	if !s.isAdmin(c, "") {
		writeError(c, http.StatusUnauthorized, "admin credential required")
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "run id must be a positive integer")
		return
	}

	run, err := s.store.GetRun(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		s.mapServiceError(c, err)
		return
	}

	history, err := env.DecodeHistory(run.History)
	if err != nil {
		s.mapServiceError(c, err)
		return
	}
	resp := gin.H{
		"id":          run.ID,
		"environment": run.Environment,
		"agent":       run.Agent,
		"finished":    run.Finished,
		"state":       run.State,
		"history":     history,
		"outcome":     run.Outcome,
	}

	envRec, err := s.store.GetEnvironment(c.Request.Context(), run.Environment)
	if err == nil {
		instance, err := s.registry.New(envRec.EnvClass,
			env.Info{Slug: envRec.Identifier, DisplayName: envRec.DisplayName}, envRec.Config)
		if err == nil {
			if viewer, ok := instance.(env.RunViewer); ok {
				agent, _ := strings.CutPrefix(run.Agent, run.Environment+"/")
				data := env.RunData{ID: run.ID, Agent: agent, State: run.State, History: history}
				if view, err := viewer.ViewRun(data); err == nil {
					resp["view"] = view
				}
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	health, err := s.store.Client().Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": health})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": health})
}

// dirSize sums the file sizes under root; unreadable entries count as 0.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

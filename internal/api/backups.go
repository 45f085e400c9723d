package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/backup"
	"github.com/craftctl/craftctl/internal/server/process"
)

type createBackupRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleListBackups(c *gin.Context) {
	backups, err := s.svc.Backups.List(c.Request.Context())
	if err != nil {
		s.backupError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, backups)
}

func (s *Server) handleCreateBackup(c *gin.Context) {
	var req createBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	mode, err := backup.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be one of: full, world"})
		return
	}

	b, err := s.svc.Backups.Create(c.Request.Context(), mode)
	if err != nil {
		s.backupError(c, "create", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// handleRestoreBackup stops a running server, waits for STOPPED and then
// restores. An unknown id is rejected before the server is touched.
func (s *Server) handleRestoreBackup(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if _, err := s.svc.Backups.Get(ctx, id); err != nil {
		s.backupError(c, "restore", err)
		return
	}

	if s.svc.Server.Running() {
		s.svc.Server.Stop()
		waitCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
		err := s.svc.Server.WaitState(waitCtx, process.StateStopped)
		cancel()
		if err != nil {
			s.logger.WithContext(ctx).Warn("server did not stop before restore", zap.Error(err))
			c.JSON(http.StatusConflict, gin.H{"error": "server did not stop"})
			return
		}
	}

	if err := s.svc.Backups.Restore(ctx, id); err != nil {
		s.backupError(c, "restore", err)
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleDeleteBackup(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.Backups.Delete(c.Request.Context(), id); err != nil {
		s.backupError(c, "delete", err)
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) backupError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, backup.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
	case errors.Is(err, backup.ErrInvalidMode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, backup.ErrServerRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, backup.ErrCorrupt):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.logger.WithContext(c.Request.Context()).Error("backup operation failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

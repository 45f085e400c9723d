package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/audit"
	"github.com/craftctl/craftctl/internal/server/process"
)

type powerRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Server.Status(c.Request.Context()))
}

// handlePower applies a power action. Restart can take as long as the server
// needs to exit, so it runs in the background and the request returns as soon
// as it has been accepted.
func (s *Server) handlePower(c *gin.Context) {
	var req powerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Action {
	case "start":
		err = s.svc.Server.Start(ctx)
	case "stop":
		s.svc.Server.Stop()
	case "restart":
		s.restartInBackground(ctx)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be one of: start, stop, restart"})
		return
	}
	s.record(c, audit.ActionPower, req.Action)

	switch {
	case errors.Is(err, process.ErrLocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.WithContext(ctx).Error("power action failed", zap.String("action", req.Action), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, okResponse{OK: true})
	}
}

// restartInBackground keeps ctx's values but not its cancellation. The
// restart is bounded by the stop timeout and cancelled by Close.
func (s *Server) restartInBackground(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopTimeout)
	stop := context.AfterFunc(s.bgCtx, cancel)
	log := s.logger.WithContext(ctx)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer cancel()
		defer stop()
		if err := s.svc.Server.Restart(ctx); err != nil {
			log.Error("restart failed", zap.Error(err))
			return
		}
		log.Info("server restarted")
	}()
}

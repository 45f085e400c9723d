package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/audit"
	"github.com/craftctl/craftctl/internal/whitelist"
)

type whitelistRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleListWhitelist(c *gin.Context) {
	names, err := s.svc.Whitelist.List(c.Request.Context())
	if err != nil {
		s.whitelistError(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) handleAddWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.svc.Whitelist.Add(c.Request.Context(), req.Name); err != nil {
		s.whitelistError(c, err)
		return
	}
	s.record(c, audit.ActionWhitelistAdd, req.Name)
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleRemoveWhitelist(c *gin.Context) {
	name := c.Param("name")
	if err := s.svc.Whitelist.Remove(c.Request.Context(), name); err != nil {
		s.whitelistError(c, err)
		return
	}
	s.record(c, audit.ActionWhitelistDel, name)
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) whitelistError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, whitelist.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, whitelist.ErrUnknownPlayer):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.WithContext(c.Request.Context()).Error("whitelist operation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

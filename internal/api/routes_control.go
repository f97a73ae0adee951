package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/protocol"
	"github.com/geode-project/geode/internal/session"
)

type sendRequest struct {
	Direction string `json:"direction" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Fields    []any  `json:"fields"`
}

// handleSend injects a message into the game connection.
func (s *Server) handleSend(c *gin.Context) {
	if !s.cfg.AllowSend {
		c.JSON(http.StatusForbidden, gin.H{"error": "sending is disabled"})
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir, err := protocol.ParseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Writes to the host are bounded; do not hang the request
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ident := messages.Identity{Name: req.Name, Direction: dir}
	if err := s.deps.Extension.SendValues(ctx, ident, req.Fields...); err != nil {
		c.JSON(sendStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sent": ident.String()})
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, network.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, messages.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, messages.ErrUnsupportedForVariant), errors.Is(err, messages.ErrFieldMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleGetFeatures(c *gin.Context) {
	if s.deps.Config == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no configuration"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Config.GetFeatures())
}

// handleSetFeatures replaces the feature toggles and persists them.
func (s *Server) handleSetFeatures(c *gin.Context) {
	if s.deps.Config == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no configuration"})
		return
	}

	// Start from current values so partial bodies only touch what they name
	f := s.deps.Config.GetFeatures()
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.deps.Config.SetFeatures(f)

	// Persist
	if s.deps.Config.Path() != "" {
		if err := s.deps.Config.Save(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist feature toggles")
		}
	}

	s.logger.Info().Interface("features", f).Msg("feature toggles updated")
	c.JSON(http.StatusOK, s.deps.Config.GetFeatures())
}


package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "geode",
		"version": s.deps.Version,
	})
}

// handleHealth answers 200 while every check passes and 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	x := s.deps.Extension
	body := gin.H{
		"attached":  x.Attached(),
		"phase":     x.Session().Phase(),
		"handlers":  x.Pipeline().HandlerCount(),
		"streaming": s.hub.ClientCount(),
	}

	status := http.StatusOK
	if s.deps.Health != nil {
		body["checks"] = s.deps.Health.Statuses()
		if !s.deps.Health.Healthy() {
			status = http.StatusServiceUnavailable
		}
	}
	body["healthy"] = status == http.StatusOK
	c.JSON(status, body)
}

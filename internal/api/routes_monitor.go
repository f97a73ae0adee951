package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geode-project/geode/internal/capture"
	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
)

// handleSession returns the current session and the fetched user, if any.
func (s *Server) handleSession(c *gin.Context) {
	x := s.deps.Extension
	body := gin.H{
		"session":  x.Session().Snapshot(),
		"attached": x.Attached(),
		"flags":    x.Flags(),
	}
	if last := x.LastHostEvent(); !last.IsZero() {
		body["last_host_event"] = last
	}
	// Only after GetUserData has been answered
	if s.deps.Features != nil {
		if u, ok := s.deps.Features.User(); ok {
			body["user"] = u
		}
	}
	c.JSON(http.StatusOK, body)
}

type messageView struct {
	Identity string            `json:"identity"`
	Fields   []string          `json:"fields"`
	WireIDs  map[string]uint16 `json:"wire_ids"`
	Response string            `json:"response,omitempty"`
}

// handleMessages lists the message table. ?filter= matches names
// case-insensitively, ?variant= keeps messages the variant supports.
func (s *Server) handleMessages(c *gin.Context) {
	filter := strings.ToLower(c.Query("filter"))

	// Unknown variant means no wire id filter
	variant := protocol.ClientUnknown
	if v := c.Query("variant"); v != "" {
		var err error
		if variant, err = protocol.ParseClientVariant(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	out := []messageView{}
	for _, def := range s.deps.Extension.Registry().Definitions() {
		if filter != "" && !strings.Contains(strings.ToLower(def.Identity.Name), filter) {
			continue
		}
		if _, ok := def.WireIDs[variant]; variant != protocol.ClientUnknown && !ok {
			continue
		}
		out = append(out, viewOf(def))
	}

	c.JSON(http.StatusOK, gin.H{"messages": out, "total": len(out)})
}

func viewOf(def *messages.Definition) messageView {
	v := messageView{
		Identity: def.Identity.String(),
		Fields:   make([]string, 0, len(def.Fields)),
		WireIDs:  make(map[string]uint16, len(def.WireIDs)),
		Response: def.Response,
	}
	for _, f := range def.Fields {
		v.Fields = append(v.Fields, f.String())
	}
	for variant, id := range def.WireIDs {
		v.WireIDs[variant.String()] = uint16(id)
	}
	return v
}

func (s *Server) handleHandlers(c *gin.Context) {
	handlers := s.deps.Extension.Pipeline().Handlers()
	c.JSON(http.StatusOK, gin.H{"handlers": handlers, "total": len(handlers)})
}

func (s *Server) handleRequests(c *gin.Context) {
	pending := s.deps.Extension.PendingRequests()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	c.JSON(http.StatusOK, gin.H{"pending": pending, "total": len(pending)})
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{"dispatch": s.deps.Extension.Pipeline().Stats()}
	if s.deps.Recorder != nil {
		body["capture"] = gin.H{
			"written": s.deps.Recorder.Written(),
			"dropped": s.deps.Recorder.Dropped(),
		}
	}
	body["stream"] = gin.H{
		"clients": s.hub.ClientCount(),
		"dropped": s.hub.Dropped(),
	}
	c.JSON(http.StatusOK, body)
}

// handleCaptures lists recent captures. Query: limit, session, direction,
// identity, outcome, since (RFC 3339).
func (s *Server) handleCaptures(c *gin.Context) {
	if s.deps.Captures == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "capture is disabled"})
		return
	}

	// Parse query
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-1000"})
		return
	}

	f := capture.Filter{
		SessionID: c.Query("session"),
		Identity:  c.Query("identity"),
		Outcome:   c.Query("outcome"),
	}
	if d := c.Query("direction"); d != "" {
		if f.Direction, err = protocol.ParseDirection(d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if since := c.Query("since"); since != "" {
		if f.Since, err = time.Parse(time.RFC3339, since); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
	}

	records, err := s.deps.Captures.Recent(limit, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Empty list, not null
	if records == nil {
		records = []capture.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"captures": records, "total": len(records)})
}

func (s *Server) handleCaptureStats(c *gin.Context) {
	if s.deps.Captures == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "capture is disabled"})
		return
	}
	st, err := s.deps.Captures.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

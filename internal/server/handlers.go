package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/call"
	"github.com/mbd888/walletgate/internal/flow"
	"github.com/mbd888/walletgate/internal/history"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/pagination"
	"github.com/mbd888/walletgate/internal/relay"
)

// wakeHandler handles GET /v1/wake. Reaching it is the whole point.
func (s *Server) wakeHandler(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// analyzeHandler handles POST /v1/analyze, the one-shot fallback.
func (s *Server) analyzeHandler(c *gin.Context) {
	var req relay.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}
	if strings.TrimSpace(req.Call.Method) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "call.method is required",
		})
		return
	}
	if req.Call.Host == "" {
		req.Call.Host = call.HostOf(req.Call.Origin)
	}

	ctx := logging.WithCorrelationID(c.Request.Context(), req.ID)
	a := s.service.Analyze(ctx, req.Call)

	c.JSON(http.StatusOK, relay.AnalyzeResponse{ID: req.ID, Analysis: a})
}

// flowHandler handles POST /v1/flow.
func (s *Server) flowHandler(c *gin.Context) {
	var ev flow.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}
	if ev.Origin == "" || ev.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "origin and method are required",
		})
		return
	}
	s.service.RecordFlow(ev)
	c.Status(http.StatusAccepted)
}

// appendDecisionHandler handles POST /v1/decisions.
func (s *Server) appendDecisionHandler(c *gin.Context) {
	var r history.Record
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}
	if r.Method == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "method is required",
		})
		return
	}
	if r.ID == "" {
		r.ID = idgen.WithPrefix("dec_")
	}
	if r.DecidedAt.IsZero() {
		r.DecidedAt = time.Now().UTC()
	}
	if r.Host == "" {
		r.Host = call.HostOf(r.Origin)
	}

	if err := s.history.Append(c.Request.Context(), r); err != nil {
		if errors.Is(err, history.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("failed to record decision", "id", r.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record decision",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": r.ID})
}

// listDecisionsHandler handles GET /v1/decisions?host=&limit=&cursor=
func (s *Server) listDecisionsHandler(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	limit := pagination.Limit(c.Query("limit"))
	if limit >= pagination.MaxLimit {
		limit = pagination.MaxLimit - 1
	}

	records, err := s.history.List(c.Request.Context(), history.Query{
		Host:   call.HostOf(c.Query("host")),
		Limit:  limit + 1,
		Cursor: cursor,
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list decisions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list decisions",
		})
		return
	}

	page, next, more := pagination.ComputePage(records, limit, history.Key)
	if page == nil {
		page = []history.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"decisions":  page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// trustHandler handles GET /v1/trust/:host
func (s *Server) trustHandler(c *gin.Context) {
	host := call.HostOf(c.Param("host"))
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "host is required",
		})
		return
	}

	snap := s.service.Settings()
	v := analysis.AssessDomain(host, snap, s.engine.Tuning())

	intel := s.service.Intel()
	resp := gin.H{
		"host":  host,
		"trust": v,
	}
	if sources, ok := intel.HostBlocked(host); ok {
		resp["blockedBy"] = sources
	}
	if sources, ok := intel.HostTrusted(host); ok {
		resp["trustedBy"] = sources
	}
	c.JSON(http.StatusOK, resp)
}

// intelStatusHandler handles GET /v1/intel/status
func (s *Server) intelStatusHandler(c *gin.Context) {
	now := time.Now()
	snap := s.service.Intel()
	hosts, allowed, addrs := snap.Counts()
	maxAge := s.engine.Tuning().IntelMaxAge

	c.JSON(http.StatusOK, gin.H{
		"updatedAt":        s.intel.UpdatedAt(),
		"ageSeconds":       int64(snap.Age(now).Seconds()),
		"stale":            snap.Stale(now, maxAge),
		"blockedHosts":     hosts,
		"trustedHosts":     allowed,
		"blockedAddresses": addrs,
		"refreshing":       s.refresher != nil && s.refresher.Running(),
	})
}

// intelRefreshHandler handles POST /v1/intel/refresh
func (s *Server) intelRefreshHandler(c *gin.Context) {
	if s.refresher == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_configured",
			"message": "No intel sources configured",
		})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := s.refresher.RefreshNow(ctx); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "refresh_failed",
			"message": err.Error(),
		})
		return
	}
	s.intelStatusHandler(c)
}

// settingsHandler handles GET /v1/settings
func (s *Server) settingsHandler(c *gin.Context) {
	snap := s.service.Settings()
	c.JSON(http.StatusOK, gin.H{
		"settings":   snap,
		"protecting": snap.Protecting(time.Now()),
	})
}

// portsHandler handles GET /v1/ports
func (s *Server) portsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

type pauseRequest struct {
	Minutes int `json:"minutes" binding:"required,min=1,max=1440"`
}

// pauseHandler handles POST /v1/settings/pause
func (s *Server) pauseHandler(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "minutes must be between 1 and 1440",
		})
		return
	}
	s.settings.Pause(time.Duration(req.Minutes) * time.Minute)
	logging.L(c.Request.Context()).Warn("protection paused", "minutes", req.Minutes)
	s.settingsHandler(c)
}

// resumeHandler handles POST /v1/settings/resume
func (s *Server) resumeHandler(c *gin.Context) {
	s.settings.Resume()
	s.settingsHandler(c)
}

package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"voice-gateway/internal/audit"
	"voice-gateway/internal/callmgr"
	"voice-gateway/internal/health"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

// CallAdmin is the slice of the call manager the API exposes.
type CallAdmin interface {
	List() []callmgr.Summary
	Get(callID string) (callmgr.Detail, bool)
	ForceEnd(ctx context.Context, callID string) error
}

// Blocklist is the slice of the rate limiter the API exposes.
type Blocklist interface {
	Block(ctx context.Context, callerID string, durationMinutes int, reason string) error
	Unblock(ctx context.Context, callerID string) error
}

type Handlers struct {
	Health    *health.Monitor
	Calls     CallAdmin
	Blocklist Blocklist

	// Audit is best-effort: a failed audit write never fails the action.
	Audit *audit.Service
}

// Healthz is public: load balancers and the media bridge poll it.
func (h Handlers) Healthz(c *gin.Context) {
	report := h.Health.Snapshot()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":       report.Status,
		"accept_calls": h.Health.CanAcceptCalls(),
		"components":   report.Components,
		"checked_at":   report.CheckedAt,
	})
}

func (h Handlers) ListCalls(c *gin.Context) {
	calls := h.Calls.List()
	c.JSON(http.StatusOK, gin.H{"count": len(calls), "calls": calls})
}

func (h Handlers) GetCall(c *gin.Context) {
	id := c.Param("call_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	detail, ok := h.Calls.Get(id)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h Handlers) ForceEndCall(c *gin.Context) {
	id := c.Param("call_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	if err := h.Calls.ForceEnd(c.Request.Context(), id); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	_ = h.Audit.ForceEnd(c.Request.Context(), c.GetString("service"), c.ClientIP(), id)
	c.JSON(http.StatusOK, gin.H{"ended": id})
}

type blockRequest struct {
	CallerID        string `json:"caller_id"`
	DurationMinutes int    `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

func (h Handlers) BlockCaller(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CallerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "caller_id required"})
		return
	}
	if req.DurationMinutes < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "duration_minutes must be >= 0"})
		return
	}
	if err := h.Blocklist.Block(c.Request.Context(), req.CallerID, req.DurationMinutes, req.Reason); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "block failed"})
		return
	}
	_ = h.Audit.Block(c.Request.Context(), c.GetString("service"), c.ClientIP(), req.CallerID, req.Reason)
	c.JSON(http.StatusOK, gin.H{"blocked": req.CallerID})
}

func (h Handlers) UnblockCaller(c *gin.Context) {
	callerID := c.Param("caller_id")
	if callerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "caller_id required"})
		return
	}
	if err := h.Blocklist.Unblock(c.Request.Context(), callerID); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "unblock failed"})
		return
	}
	_ = h.Audit.Unblock(c.Request.Context(), c.GetString("service"), c.ClientIP(), callerID)
	c.JSON(http.StatusOK, gin.H{"unblocked": callerID})
}

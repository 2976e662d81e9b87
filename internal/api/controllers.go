package api

import (
	"errors"
	"log"
	"net/http"

	"audit-core/internal/engine"
	"audit-core/internal/events"
	"audit-core/internal/model"
	"audit-core/internal/persistence"

	"github.com/gin-gonic/gin"
)

type decideRequest struct {
	Signal          model.Signal    `json:"signal"`
	RiskState       model.RiskState `json:"risk_state"`
	ExternalVerdict *events.Verdict `json:"external_verdict,omitempty"`
}

type trailResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Events        []events.AuditEvent `json:"events"`
}

// respondBindError maps a failed body bind to 413 or 400.
func respondBindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
		return
	}
	respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) health(c *gin.Context) {
	snap := s.Engine.Health(c.Request.Context()).Monitor
	status := snap.Status
	if status == "" {
		status = "ok"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"audit_degraded": snap.Degraded,
		"version":        s.Meta.Version,
	})
}

// getHealth returns the full operator health view.
func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"meta":   s.Meta,
		"health": s.Engine.Health(c.Request.Context()),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics are not enabled")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// decide runs one signal through the pipeline. Malformed signals still
// produce an audited rejection, so only undecodable bodies are 400s.
func (s *Server) decide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}
	if dir, err := model.ParseDirection(string(req.Signal.Direction)); err == nil {
		req.Signal.Direction = dir
	}

	var d engine.Decision
	if req.ExternalVerdict != nil {
		d = s.Engine.DecideWithVerdict(c.Request.Context(), req.Signal, req.RiskState, req.ExternalVerdict)
	} else {
		d = s.Engine.Decide(c.Request.Context(), req.Signal, req.RiskState)
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) reportOrderOutcome(c *gin.Context) {
	var outcome model.OrderOutcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		respondBindError(c, err)
		return
	}
	if st, err := model.ParseOrderStatus(string(outcome.Status)); err == nil {
		outcome.Status = st
	}
	if err := outcome.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	err := s.Engine.ReportOrderOutcome(c.Request.Context(), outcome)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"status":         "recorded",
			"correlation_id": outcome.CorrelationID,
		})
	case errors.Is(err, events.ErrPayloadTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
	case errors.Is(err, engine.ErrUnknownCorrelation):
		respondError(c, http.StatusNotFound, "UNKNOWN_CORRELATION", err.Error())
	case errors.Is(err, persistence.ErrQueueFull), errors.Is(err, persistence.ErrStoreClosed):
		respondError(c, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", err.Error())
	default:
		log.Printf("order outcome %s: %v", outcome.CorrelationID, err)
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) getDailyReport(c *gin.Context) {
	report, err := s.Engine.GetDailyReport(c.Request.Context(), c.Param("date"))
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidDate) {
			respondError(c, http.StatusBadRequest, "INVALID_DATE", err.Error())
			return
		}
		log.Printf("daily report %s: %v", c.Param("date"), err)
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getDecisionTrail(c *gin.Context) {
	id := c.Param("id")
	trail, err := s.Engine.GetDecisionTrail(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrCorrelationEmpty) {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		log.Printf("decision trail %s: %v", id, err)
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if len(trail) == 0 {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no events for correlation id "+id)
		return
	}
	c.JSON(http.StatusOK, trailResponse{CorrelationID: id, Events: trail})
}

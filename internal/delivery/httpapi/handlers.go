package httpapi

import (
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rudder/internal/breaker"
	rerrors "rudder/internal/errors"
	"rudder/internal/policy"
	"rudder/internal/router"
	"rudder/internal/supervisor"
)

func (s *Server) handleRoute(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   fmt.Sprintf("invalid request: %v", err),
		})
		return
	}

	decision, err := s.router.Route(c.Request.Context(), router.Request{
		Context:   req.Context,
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Exclude:   req.Exclude,
	})
	if err != nil {
		var exhausted *rerrors.RoutesExhausted
		if stderrors.As(err, &exhausted) {
			if wait := minRetryAfter(s.router.Breakers(), exhausted.Rejected); wait > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
		}
		c.JSON(statusForRouteError(err), APIResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    toRouteResponse(&decision),
	})
}

// minRetryAfter returns the soonest any of the targets' open breakers will
// admit a trial. Zero when none of them is open.
func minRetryAfter(breakers *breaker.Registry, targets []string) time.Duration {
	var soonest time.Duration
	for _, target := range targets {
		wait := breakers.RetryAfter(target)
		if wait > 0 && (soonest == 0 || wait < soonest) {
			soonest = wait
		}
	}
	return soonest
}

func (s *Server) handleOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   fmt.Sprintf("invalid request: %v", err),
		})
		return
	}
	if req.Target == "" {
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   "target is required",
		})
		return
	}

	s.router.ReportOutcome(c.Request.Context(), router.Outcome{
		Target:    req.Target,
		Success:   req.Success,
		SessionID: req.SessionID,
	})

	c.JSON(http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   fmt.Sprintf("invalid request: %v", err),
		})
		return
	}
	if req.Target == "" {
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   "target is required",
		})
		return
	}

	decision, trigger, err := s.supervisor.Review(c.Request.Context(), supervisor.WorkReport{
		RequestID:         req.RequestID,
		SessionID:         req.SessionID,
		Target:            req.Target,
		Context:           req.Context,
		Iterations:        req.Iterations,
		Elapsed:           time.Duration(req.ElapsedMS) * time.Millisecond,
		Confidence:        req.Confidence,
		NegativeSentiment: req.NegativeSentiment,
		Excluded:          req.Excluded,
	})
	if err != nil {
		// A threshold was crossed but no viable replacement exists; the
		// work stays where it is.
		c.JSON(statusForRouteError(err), APIResponse{
			Success: false,
			Error:   err.Error(),
			Data:    ReviewResponse{Trigger: string(trigger)},
		})
		return
	}

	resp := ReviewResponse{Reassigned: decision != nil, Trigger: string(trigger)}
	if decision != nil {
		routeResp := toRouteResponse(decision)
		resp.Decision = &routeResp
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: resp})
}

func (s *Server) handleListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    BreakersResponse{Breakers: s.router.Breakers().Snapshots()},
	})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	target := c.Param("target")
	if !s.policies.Current().KnownTarget(target) {
		c.JSON(http.StatusNotFound, APIResponse{
			Success: false,
			Error:   fmt.Sprintf("unknown target: %s", target),
		})
		return
	}

	s.router.Breakers().Reset(target)
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data:    s.policies.Current(),
	})
}

// handlePutPolicy replaces the active policy. The body is the same YAML
// document accepted at startup; it is fully validated before the swap, so
// a rejected document leaves the previous policy in place. The swap also
// realigns breaker configs, stickiness, and the classifier oracle.
func (s *Server) handlePutPolicy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   fmt.Sprintf("failed to read body: %v", err),
		})
		return
	}

	pol, err := policy.Parse(body)
	if err != nil {
		var verr *rerrors.PolicyValidation
		if stderrors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, APIResponse{
				Success: false,
				Error:   verr.Error(),
				Data:    gin.H{"violations": verr.Violations},
			})
			return
		}
		c.JSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   fmt.Sprintf("invalid policy: %v", err),
		})
		return
	}

	s.router.ApplyPolicy(pol)
	s.logger.Info("httpapi: policy replaced, %d targets, %d rules", len(pol.Targets), len(pol.Rules))

	c.JSON(http.StatusOK, APIResponse{Success: true})
}

func statusForRouteError(err error) int {
	if !rerrors.IsTerminal(err) {
		return http.StatusInternalServerError
	}
	var timeout *rerrors.RoutingTimeout
	if stderrors.As(err, &timeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

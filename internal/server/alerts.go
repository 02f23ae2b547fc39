package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/pulse/internal/alert/domain"
)

type acknowledgeAlertRequest struct {
	Note string `json:"note"`
}

func (s *Server) CreateAlertRule(c *gin.Context) {
	var req alertdomain.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SiteID = c.Param("siteId")
	if req.CreatedBy == "" {
		req.CreatedBy = userID(c)
	}

	rule, err := s.alertSvc.CreateRule(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": rule})
}

func (s *Server) ListAlertRules(c *gin.Context) {
	rules, err := s.alertSvc.ListRules(c.Request.Context(), c.Param("siteId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rules})
}

func (s *Server) ActivateAlertRule(c *gin.Context) {
	s.setAlertRuleActive(c, true)
}

func (s *Server) DeactivateAlertRule(c *gin.Context) {
	s.setAlertRuleActive(c, false)
}

func (s *Server) setAlertRuleActive(c *gin.Context, active bool) {
	ruleID, err := parseSnowflakeParam(c.Param("ruleId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.alertSvc.SetRuleActive(c.Request.Context(), c.Param("siteId"), ruleID, active); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": ruleID, "active": active}})
}

func (s *Server) ListActiveAlerts(c *gin.Context) {
	alerts, err := s.alertSvc.ListActiveAlerts(c.Request.Context(), c.Param("siteId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alerts})
}

func (s *Server) AcknowledgeAlert(c *gin.Context) {
	alertID, err := parseSnowflakeParam(c.Param("alertId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req acknowledgeAlertRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	ok, err := s.alertSvc.AcknowledgeAlert(c.Request.Context(), c.Param("siteId"), alertID, userID(c), strings.TrimSpace(req.Note))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": alertID, "acknowledged": ok}})
}

func (s *Server) ResolveAlert(c *gin.Context) {
	alertID, err := parseSnowflakeParam(c.Param("alertId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ok, err := s.alertSvc.ResolveAlert(c.Request.Context(), c.Param("siteId"), alertID, userID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": alertID, "resolved": ok}})
}

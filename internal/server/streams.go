package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
)

func (s *Server) CreateStream(c *gin.Context) {
	var req streamdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	stream, err := s.streamSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": stream})
}

func (s *Server) GetStream(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("streamId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stream, err := s.streamSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stream})
}

func (s *Server) ListSiteStreams(c *gin.Context) {
	siteID := strings.TrimSpace(c.Param("siteId"))
	streams, err := s.streamSvc.ListBySite(c.Request.Context(), siteID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": streams})
}

func (s *Server) DeactivateStream(c *gin.Context) {
	id, err := parseSnowflakeParam(c.Param("streamId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.streamSvc.Deactivate(c.Request.Context(), c.Param("siteId"), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

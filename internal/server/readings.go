package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/pulse/internal/observability/context"
	"github.com/smallbiznis/pulse/internal/observability/logger"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"go.uber.org/zap"
)

const maxIngestBodyBytes = 4 << 20

// IngestReadings is the HTTP transport adapter. The body is a single
// reading, an array, or {"readings": [...]}. Partial acceptance still
// answers 200 with the per-reading rejections.
func (s *Server) IngestReadings(c *gin.Context) {
	siteID := strings.TrimSpace(c.Param("siteId"))
	equipmentID := strings.TrimSpace(c.Param("equipmentId"))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, readingdomain.ErrBatchTooLarge)
		return
	}

	readings, err := readingdomain.ParsePayload(body)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := obscontext.WithSiteID(c.Request.Context(), siteID)
	result, err := s.readingSvc.IngestBatch(ctx, readingdomain.IngestBatchRequest{
		SiteID:      siteID,
		EquipmentID: equipmentID,
		Protocol:    readingdomain.ProtocolHTTP,
		Readings:    readings,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Rejected > 0 {
		logger.FromContext(ctx).Info("batch partially rejected",
			zap.String("batch_id", result.BatchID),
			zap.Int("accepted", result.Accepted),
			zap.Int("rejected", result.Rejected),
		)
	}

	c.JSON(http.StatusOK, result)
}

// ListReadingsSince returns readings with a timestamp after since, oldest
// first. Clients poll it with the last timestamp they saw.
func (s *Server) ListReadingsSince(c *gin.Context) {
	since, err := parseRequiredTime("since", c.Query("since"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.readingSvc.GetReadingsSince(c.Request.Context(), since, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ListStreamReadings(c *gin.Context) {
	streamID, err := parseSnowflakeParam(c.Param("streamId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	start, err := parseRequiredTime("start", c.Query("start"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	end, err := parseRequiredTime("end", c.Query("end"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.readingSvc.GetReadings(c.Request.Context(), streamID, start, end, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) ListSessions(c *gin.Context) {
	siteID := strings.TrimSpace(c.Param("siteId"))
	items, err := s.sessionSvc.ListOpen(c.Request.Context(), siteID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	alertdomain "github.com/smallbiznis/pulse/internal/alert/domain"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability"
	obslogger "github.com/smallbiznis/pulse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/pulse/internal/observability/metrics"
	obstracing "github.com/smallbiznis/pulse/internal/observability/tracing"
	"github.com/smallbiznis/pulse/internal/ratelimit"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/smallbiznis/pulse/internal/realtime"
	sessiondomain "github.com/smallbiznis/pulse/internal/session/domain"
	streamdomain "github.com/smallbiznis/pulse/internal/stream/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.Middleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	streamSvc   streamdomain.Service
	readingSvc  readingdomain.Service
	alertSvc    alertdomain.Service
	sessionSvc  sessiondomain.Service
	dispatcher  *realtime.Dispatcher
	siteLimiter *ratelimit.SiteIngestLimiter
	obsMetrics  *obsmetrics.Metrics
	upgrader    websocket.Upgrader
	sendBuffer  int
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	StreamSvc   streamdomain.Service
	ReadingSvc  readingdomain.Service
	AlertSvc    alertdomain.Service
	SessionSvc  sessiondomain.Service
	Dispatcher  *realtime.Dispatcher
	SiteLimiter *ratelimit.SiteIngestLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics          `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		streamSvc:   p.StreamSvc,
		readingSvc:  p.ReadingSvc,
		alertSvc:    p.AlertSvc,
		sessionSvc:  p.SessionSvc,
		dispatcher:  p.Dispatcher,
		siteLimiter: p.SiteLimiter,
		obsMetrics:  p.ObsMetrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Live clients are dashboards on other origins; identity is
			// enforced upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuffer: p.Cfg.Subscriptions.SendBuffer,
	}

	svc.registerIngestRoutes()
	svc.registerQueryRoutes()
	svc.registerStreamRoutes()
	svc.registerAlertRoutes()
	svc.registerLiveRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerIngestRoutes() {
	v1 := s.engine.Group("/v1")
	v1.POST("/sites/:siteId/equipment/:equipmentId/readings", s.SiteIngestRateLimit(), s.IngestReadings)
}

func (s *Server) registerQueryRoutes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/readings", s.ListReadingsSince)
	v1.GET("/streams/:streamId/readings", s.ListStreamReadings)
	v1.GET("/sites/:siteId/sessions", s.ListSessions)
}

func (s *Server) registerStreamRoutes() {
	v1 := s.engine.Group("/v1")
	v1.POST("/streams", s.CreateStream)
	v1.GET("/streams/:streamId", s.GetStream)
	v1.GET("/sites/:siteId/streams", s.ListSiteStreams)
	v1.DELETE("/sites/:siteId/streams/:streamId", s.DeactivateStream)
}

func (s *Server) registerAlertRoutes() {
	site := s.engine.Group("/v1/sites/:siteId")

	site.POST("/alert-rules", s.CreateAlertRule)
	site.GET("/alert-rules", s.ListAlertRules)
	site.POST("/alert-rules/:ruleId/activate", s.ActivateAlertRule)
	site.POST("/alert-rules/:ruleId/deactivate", s.DeactivateAlertRule)

	site.GET("/alerts", s.ListActiveAlerts)
	site.POST("/alerts/:alertId/acknowledge", s.AcknowledgeAlert)
	site.POST("/alerts/:alertId/resolve", s.ResolveAlert)
}

func (s *Server) registerLiveRoutes() {
	v1 := s.engine.Group("/v1")
	v1.GET("/live", s.ServeLiveSocket)
	v1.GET("/live/stats", s.GetLiveStats)
	v1.GET("/streams/:streamId/live", s.StreamLiveReadings)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

// userID is the acting user. Identity is owned by an upstream gateway.
func userID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-User-ID"))
}

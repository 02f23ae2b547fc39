package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pulse/internal/alert"
	"github.com/smallbiznis/pulse/internal/changefeed"
	"github.com/smallbiznis/pulse/internal/clock"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/freshness"
	"github.com/smallbiznis/pulse/internal/metricspush"
	"github.com/smallbiznis/pulse/internal/migration"
	"github.com/smallbiznis/pulse/internal/monitor"
	"github.com/smallbiznis/pulse/internal/observability"
	"github.com/smallbiznis/pulse/internal/ratelimit"
	"github.com/smallbiznis/pulse/internal/reading"
	"github.com/smallbiznis/pulse/internal/realtime"
	"github.com/smallbiznis/pulse/internal/server"
	"github.com/smallbiznis/pulse/internal/session"
	"github.com/smallbiznis/pulse/internal/stream"
	"github.com/smallbiznis/pulse/internal/transport"
	"github.com/smallbiznis/pulse/internal/transport/kafka"
	"github.com/smallbiznis/pulse/internal/transport/mqtt"
	"github.com/smallbiznis/pulse/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Registry, ingestion and query
		stream.Module,
		session.Module,
		reading.Module,

		// Live delivery
		realtime.Module,
		changefeed.Module,

		// Background evaluation and health
		alert.Module,
		freshness.Module,
		monitor.Module,
		metricspush.Module,

		// Transports
		transport.Module,
		mqtt.Module,
		kafka.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/smallbiznis/pulse/internal/config"
	"github.com/smallbiznis/pulse/internal/observability/logger"
	readingdomain "github.com/smallbiznis/pulse/internal/reading/domain"
	"github.com/smallbiznis/pulse/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// Ingest is the part of transport.Ingester the adapter depends on.
type Ingest interface {
	Ingest(ctx context.Context, protocol, siteID, equipmentID string, payload []byte) (readingdomain.IngestResult, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Ingester *transport.Ingester
}

// Adapter subscribes to telemetry topics and feeds them to the gateway.
type Adapter struct {
	log    *zap.Logger
	cfg    config.MQTTConfig
	ingest Ingest
	client paho.Client

	ctx    context.Context
	cancel context.CancelFunc
}

func New(p Params) *Adapter {
	return newAdapter(p.Log, p.Cfg.MQTT, p.Ingester)
}

func newAdapter(log *zap.Logger, cfg config.MQTTConfig, ingest Ingest) *Adapter {
	if strings.TrimSpace(cfg.TopicFilter) == "" {
		cfg.TopicFilter = DefaultTopicFilter
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		cfg.QoS = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		log:    log.Named("mqtt.adapter"),
		cfg:    cfg,
		ingest: ingest,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *Adapter) clientOptions() *paho.ClientOptions {
	scheme := "tcp"
	if a.cfg.TLS {
		scheme = "ssl"
	}
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, a.cfg.Host, a.cfg.Port)).
		SetClientID(a.cfg.ClientID).
		SetUsername(a.cfg.Username).
		SetPassword(a.cfg.Password).
		SetCleanSession(false).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			a.log.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			a.log.Info("mqtt reconnecting")
		})
	if a.cfg.ReconnectInterval > 0 {
		opts.SetConnectRetryInterval(a.cfg.ReconnectInterval)
	}
	if a.cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(a.cfg.MaxReconnectInterval)
	}
	if a.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Start connects in the background; the client keeps retrying until the
// broker is reachable.
func (a *Adapter) Start() error {
	if strings.TrimSpace(a.cfg.Host) == "" {
		return errors.New("mqtt host is required")
	}
	a.client = paho.NewClient(a.clientOptions())
	token := a.client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			a.log.Error("mqtt connect failed", zap.Error(err))
		}
	}()
	a.log.Info("mqtt adapter started",
		zap.String("host", a.cfg.Host),
		zap.Int("port", a.cfg.Port),
		zap.String("topic", a.cfg.TopicFilter),
	)
	return nil
}

func (a *Adapter) Stop() {
	a.cancel()
	if a.client != nil {
		a.client.Disconnect(250)
	}
}

// onConnect runs on every connect and reconnect so subscriptions survive
// broker restarts even without a persistent session.
func (a *Adapter) onConnect(client paho.Client) {
	token := client.Subscribe(a.cfg.TopicFilter, byte(a.cfg.QoS), func(_ paho.Client, msg paho.Message) {
		a.HandleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		a.log.Error("mqtt subscribe timed out", zap.String("topic", a.cfg.TopicFilter))
		return
	}
	if err := token.Error(); err != nil {
		a.log.Error("mqtt subscribe failed", zap.String("topic", a.cfg.TopicFilter), zap.Error(err))
		return
	}
	a.log.Info("mqtt subscribed", zap.String("topic", a.cfg.TopicFilter), zap.Int("qos", a.cfg.QoS))
}

// HandleMessage ingests one telemetry message. Failures are logged; the
// message is acknowledged either way.
func (a *Adapter) HandleMessage(topic string, payload []byte) {
	parsed, err := ParseTopic(topic)
	if err != nil {
		a.log.Warn("ignoring message on unexpected topic", zap.String("topic", topic))
		return
	}

	log := logger.WithSite(a.log, parsed.SiteID).With(zap.String("equipment_id", parsed.EquipmentID))
	result, err := a.ingest.Ingest(a.ctx, readingdomain.ProtocolMQTT, parsed.SiteID, parsed.EquipmentID, payload)
	if err != nil {
		log.Error("mqtt ingest failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if len(result.RejectionReasons) > 0 {
		log.Warn("mqtt batch partially rejected",
			zap.String("batch_id", result.BatchID),
			zap.Int("accepted", result.Accepted),
			zap.Int("rejected", result.Rejected),
			zap.Int("duplicates", result.Duplicates),
		)
	}
}

package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RuntimeConfig holds tunables that may change without a restart.
type RuntimeConfig struct {
	ForwardSkew            time.Duration `mapstructure:"forwardSkew"`
	RetentionHorizon       time.Duration `mapstructure:"retentionHorizon"`
	SubscriptionStaleAfter time.Duration `mapstructure:"subscriptionStaleAfter"`
	SessionIdleTimeout     time.Duration `mapstructure:"sessionIdleTimeout"`
}

func DefaultRuntimeConfig(cfg Config) RuntimeConfig {
	return RuntimeConfig{
		ForwardSkew:            cfg.Ingestion.ForwardSkew,
		RetentionHorizon:       cfg.Ingestion.RetentionHorizon,
		SubscriptionStaleAfter: cfg.Subscriptions.StaleThreshold,
		SessionIdleTimeout:     cfg.Monitor.SessionIdleTimeout,
	}
}

type RuntimeHolder struct {
	current atomic.Value // holds RuntimeConfig
}

// NewStaticRuntimeHolder returns a holder that never reloads.
func NewStaticRuntimeHolder(cfg RuntimeConfig) *RuntimeHolder {
	holder := &RuntimeHolder{}
	holder.current.Store(cfg)
	return holder
}

// NewRuntimeHolder loads pulse.yml when present and watches it for changes.
// Values missing from the file fall back to the environment configuration.
func NewRuntimeHolder(cfg Config, log *zap.Logger) (*RuntimeHolder, error) {
	log = log.Named("config.runtime")
	defaults := DefaultRuntimeConfig(cfg)

	v := viper.New()
	v.SetConfigName("pulse")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/pulse")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("runtime.forwardSkew", defaults.ForwardSkew)
	v.SetDefault("runtime.retentionHorizon", defaults.RetentionHorizon)
	v.SetDefault("runtime.subscriptionStaleAfter", defaults.SubscriptionStaleAfter)
	v.SetDefault("runtime.sessionIdleTimeout", defaults.SessionIdleTimeout)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var rc RuntimeConfig
	if err := v.UnmarshalKey("runtime", &rc); err != nil {
		return nil, err
	}
	if err := validateRuntimeConfig(rc); err != nil {
		return nil, err
	}

	holder := NewStaticRuntimeHolder(rc)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RuntimeConfig
		if err := v.UnmarshalKey("runtime", &updated); err != nil {
			log.Warn("runtime config reload failed", zap.Error(err))
			return
		}
		if err := validateRuntimeConfig(updated); err != nil {
			log.Warn("invalid runtime config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("runtime config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *RuntimeHolder) Get() RuntimeConfig {
	return h.current.Load().(RuntimeConfig)
}

func validateRuntimeConfig(cfg RuntimeConfig) error {
	if cfg.ForwardSkew < 0 {
		return errors.New("runtime.forwardSkew must not be negative")
	}
	if cfg.RetentionHorizon <= 0 {
		return errors.New("runtime.retentionHorizon must be positive")
	}
	if cfg.SubscriptionStaleAfter <= 0 {
		return errors.New("runtime.subscriptionStaleAfter must be positive")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return errors.New("runtime.sessionIdleTimeout must be positive")
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/config"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/kvstore"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/switches"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// stack holds the long-lived dependencies shared by every subcommand.
type stack struct {
	config   config.AppConfig
	logger   *zap.Logger
	nats     *nats.Conn
	store    kvstore.Store
	switches *switches.Service
	closers  []func() error
}

func openStack(ctx context.Context) (*stack, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	s := &stack{config: appConfig, logger: logger}
	if appConfig.UsesNATS() {
		conn, err := nats.Connect(appConfig.NATSURL, nats.Name("deadswitch-api"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		s.nats = conn
		s.closers = append(s.closers, func() error {
			conn.Close()
			return nil
		})
	}

	switch appConfig.StorageDriver {
	case config.StorageDriverNATS:
		store, err := kvstore.NewNATSStore(ctx, kvstore.NATSConfig{Bucket: appConfig.NATSBucket, Conn: s.nats, Logger: logger})
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = store
	default:
		store, err := kvstore.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = store
	}
	s.closers = append([]func() error{s.store.Close}, s.closers...)

	service, err := switches.NewService(switches.ServiceConfig{
		Store:      s.store,
		Clock:      time.Now,
		IDProvider: switches.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.switches = service
	return s, nil
}

// activityPublisher builds the configured sinks. The in-process dispatcher
// is always part of the fanout so the SSE stream works.
func (s *stack) activityPublisher(ctx context.Context, dispatcher *activity.Dispatcher) (activity.Publisher, error) {
	publishers := activity.Fanout{dispatcher}
	if s.config.HasActivitySink(config.ActivitySinkNATS) {
		publisher, err := activity.NewNATSPublisher(s.nats, s.config.ActivityNATSSubject)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, publisher)
	}
	if s.config.HasActivitySink(config.ActivitySinkRedis) {
		publisher, err := activity.NewRedisPublisher(ctx, activity.RedisConfig{
			Address: s.config.RedisAddress,
			Channel: s.config.RedisChannel,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append([]func() error{publisher.Close}, s.closers...)
		publishers = append(publishers, publisher)
	}
	return publishers, nil
}

func (s *stack) close() {
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			s.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	s.closers = nil
	_ = s.logger.Sync()
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/commands"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/enforcer"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStack(signalCtx)
	if err != nil {
		return err
	}
	defer s.close()
	logger := s.logger
	appConfig := s.config

	if appConfig.RebuildIndexOnStart {
		if _, err := s.switches.RebuildIndex(signalCtx); err != nil {
			return err
		}
	}

	dispatcher := activity.NewDispatcher(activity.DispatcherConfig{Logger: logger})
	publisher, err := s.activityPublisher(signalCtx, dispatcher)
	if err != nil {
		return err
	}
	emitter := activity.NewEmitter(activity.EmitterConfig{
		Publisher:  publisher,
		BufferSize: appConfig.ActivityBufferSize,
		Logger:     logger,
	})

	router, err := commands.NewRouter(commands.RouterConfig{Switches: s.switches, Activity: emitter})
	if err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Commands:  router,
		Activity:  dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return emitter.Run(groupCtx)
	})
	if appConfig.EnforcerEnabled {
		sweeper, err := enforcer.New(enforcer.Config{
			Switches:    s.switches,
			Activity:    emitter,
			Clock:       time.Now,
			Interval:    appConfig.EnforcerInterval,
			GracePeriod: appConfig.EnforcerGracePeriod,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return sweeper.Run(groupCtx)
		})
	}
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("storage", appConfig.StorageDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bher20/sungrowbridge/internal/alerting"
	"github.com/bher20/sungrowbridge/internal/api"
	"github.com/bher20/sungrowbridge/internal/bridge"
	"github.com/bher20/sungrowbridge/internal/config"
	"github.com/bher20/sungrowbridge/internal/cron"
	"github.com/bher20/sungrowbridge/internal/logging"
	"github.com/bher20/sungrowbridge/internal/publish"
	"github.com/bher20/sungrowbridge/internal/storage"
	"github.com/bher20/sungrowbridge/internal/tokens"
	"github.com/bher20/sungrowbridge/pkg/isolarcloud"
)

// app bundles the wired components shared by the subcommands.
type app struct {
	settings *config.Settings
	logger   zerolog.Logger
	state    storage.Storage
	client   *isolarcloud.Client
	svc      *bridge.Service
}

func loadSettings() (*config.Settings, zerolog.Logger, error) {
	s, err := config.FromEnv()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return s, logging.NewLogger(s.Log.Level, s.Log.Format), nil
}

func newVendorClient(s *config.Settings) *isolarcloud.Client {
	return isolarcloud.New(isolarcloud.Config{
		Server:    isolarcloud.ParseServer(s.Server),
		BaseURL:   s.BaseURL,
		AppKey:    s.AppKey,
		SecretKey: s.SecretKey,
		AppID:     s.AppID,
		Timeout:   s.UpstreamTimeout(),
	})
}

func openState(ctx context.Context, s *config.Settings, logger zerolog.Logger) (storage.Storage, error) {
	return storage.Open(ctx, storage.Config{
		Driver: s.StateDriver,
		DSN:    s.StateDSN,
		Path:   s.StateFile,
	}, logging.WithComponent(logger, "storage"))
}

func newApp(ctx context.Context, s *config.Settings, logger zerolog.Logger, publisher bridge.Publisher) (*app, error) {
	st, err := openState(ctx, s, logger)
	if err != nil {
		return nil, fmt.Errorf("open state backend: %w", err)
	}
	client := newVendorClient(s)

	svc := bridge.New(ctx, client, bridge.Options{
		RedirectURI:     s.RedirectURI,
		SGPlantName:     s.SGPlantName,
		SHPlantName:     s.SHPlantName,
		CacheTTL:        s.CacheTTL(),
		UpstreamTimeout: s.UpstreamTimeout(),
		Tokens:          tokens.NewStore(s.TokenFile),
		State:           st,
		Publisher:       publisher,
		Logger:          logger,
	})
	return &app{settings: s, logger: logger, state: st, client: client, svc: svc}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, logger, err := loadSettings()
	if err != nil {
		return err
	}

	// The publisher must exist before the service so fresh fetches reach it.
	var publisher bridge.Publisher
	if s.MQTT.Broker != "" {
		mq, err := publish.Connect(publish.Config{
			Broker:      s.MQTT.Broker,
			ClientID:    s.MQTT.ClientID,
			Username:    s.MQTT.Username,
			Password:    s.MQTT.Password,
			TopicPrefix: s.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		publisher = mq
	}

	a, err := newApp(ctx, s, logger, publisher)
	if err != nil {
		return err
	}
	defer a.state.Close()

	if s.PrefetchSchedule != "" {
		var alerter cron.Alerter
		if s.Alert.WebhookURL != "" {
			alerter = alerting.NewAlerter(alerting.AlertConfig{
				WebhookURL:  s.Alert.WebhookURL,
				WebhookType: s.Alert.WebhookType,
			}, logger)
		}
		w, err := cron.NewWorker(a.svc, alerter, cron.Config{
			Schedule:    s.PrefetchSchedule,
			MinFailures: s.Alert.MinFailures,
		}, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("prefetch worker stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           api.NewMux(a.svc, a.state, logging.WithComponent(logger, "http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("server", a.client.Server().Name).
			Bool("authorized", a.svc.Authorized()).
			Msg("sungrowbridge listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/rs/zerolog"

	fleetdeck "github.com/rhazari/fleetdeck"
	"github.com/rhazari/fleetdeck/internal/api"
	"github.com/rhazari/fleetdeck/internal/channel"
	"github.com/rhazari/fleetdeck/internal/config"
	"github.com/rhazari/fleetdeck/internal/dispatch"
	"github.com/rhazari/fleetdeck/internal/hub"
	"github.com/rhazari/fleetdeck/internal/notify"
	"github.com/rhazari/fleetdeck/internal/reconcile"
	"github.com/rhazari/fleetdeck/internal/registry"
)

func main() {
	path := flag.String("config", "./config.json", "path to config")
	showRevision := flag.Bool("revision", false, "show version of the application")

	flag.Parse()

	if *showRevision {
		fmt.Println(fleetdeck.Revision)
		return
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	cfg, err := config.Parse(*path)
	if err != nil {
		logger.
			Fatal().
			Err(err).
			Str("revision", fleetdeck.Revision).
			Str("branch", fleetdeck.Branch).
			Str("env", fleetdeck.Env).
			Msg("parsing config file")
	}

	if !cfg.Debug {
		logger = logger.Level(zerolog.InfoLevel)
	}

	logger.
		Debug().
		Interface("config", cfg).
		Str("rev", fleetdeck.Revision).
		Str("branch", fleetdeck.Branch).
		Msg("starting application")

	notifierClient, err := raven.New(cfg.SentryDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("can't create sentry client")
	}
	notifierClient.SetRelease(fleetdeck.Revision)
	notifierClient.SetEnvironment(fleetdeck.Env)

	events := hub.New(cfg.Hub.SubscriberBuffer)
	reg := registry.New(logger, events)
	reconciler := reconcile.New(logger, reg)

	provider := channel.NewWS(logger, reconciler.MarkOnline, reconciler.MarkOffline)
	dispatcher := dispatch.New(logger, reg, events, provider, dispatch.Config{
		Deadline:  cfg.Dispatch.DefaultDeadline.Std(),
		Deadlines: cfg.Dispatch.KindDeadlines(),
		Retention: cfg.Dispatch.HistoryRetention.Std(),
	})
	provider.Bind(dispatcher.OnAck)

	tgclient := notify.NewTelegram(logger, cfg.NotifyTelegram.API, cfg.NotifyTelegram.ChatID)
	if tgclient.Enabled() {
		go tgclient.Run(context.Background(), events.Subscribe())
	}

	httpAPI, err := api.NewHTTP(cfg, reg, dispatcher, reconciler, events, provider.Handler(), logger, notifierClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("can't create http api")
	}
	httpAPI.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	if tgclient.Enabled() {
		go func() {
			message := fmt.Sprintf("%s branch=%s env=%s revision=%s started", cfg.ServerName, fleetdeck.Branch, fleetdeck.Env, fleetdeck.Revision)
			if errNotify := tgclient.SendMessage(ctx, message); errNotify != nil {
				logger.Error().Err(errNotify).Msg("can't notify telegram")
			}
		}()
	}

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	<-s

	if tgclient.Enabled() {
		if errNotify := tgclient.SendMessage(ctx, "shutting down"); errNotify != nil {
			logger.Error().Err(errNotify).Msg("error notifying via tg")
		}
	}

	if errShut := httpAPI.Shutdown(ctx); errShut != nil {
		logger.Error().Err(errShut).Msg("error shutting down server")
	}

	events.Close()
}

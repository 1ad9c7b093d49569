package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry"

	"github.com/tucanchat/tucan/backends/postgres"
	"github.com/tucanchat/tucan/broadcasts"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/flows"
	"github.com/tucanchat/tucan/media"
	"github.com/tucanchat/tucan/outbox"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
	"github.com/tucanchat/tucan/schedules"
	"github.com/tucanchat/tucan/web"
	"github.com/tucanchat/tucan/webhook"
)

var version = "Dev"

func main() {
	config := runtime.LoadConfig("tucan.toml")

	// if we have a custom version, use it
	if version != "Dev" {
		config.Version = version
	}

	if err := config.Validate(); err != nil {
		log.Fatalf("invalid config: %s", err)
	}

	var level slog.Level
	err := level.UnmarshalText([]byte(config.LogLevel))
	if err != nil {
		log.Fatalf("invalid log level %s", level)
	}

	// configure our logger
	logHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logHandler))

	logger := slog.With("comp", "main")
	logger.Info("starting tucan", "version", config.Version)

	// if we have a DSN entry, try to initialize it
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:           config.SentryDSN,
			EnableTracing: false,
		})
		if err != nil {
			log.Fatalf("error initiating sentry client, error %s, dsn %s", err, config.SentryDSN)
		}

		defer sentry.Flush(2 * time.Second)

		logger = slog.New(
			slogmulti.Fanout(
				logHandler,
				slogsentry.Option{Level: slog.LevelError}.NewSentryHandler(),
			),
		)
		logger = logger.With("release", config.Version)
		slog.SetDefault(logger)
	}

	rt, err := runtime.NewRuntime(config)
	if err != nil {
		logger.Error("error creating runtime", "error", err)
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()
	if err := rt.Start(startCtx); err != nil {
		logger.Error("unable to start runtime", "error", err)
		os.Exit(1)
	}

	db := postgres.NewStore(rt.DB)

	var mediaStore store.MediaStore
	if config.S3MediaBucket != "" {
		mediaStore = media.NewS3Store(rt)
	} else {
		mediaStore = media.NewLocalStore(config.MediaDir, config.PublicURL)
	}

	hub := realtime.NewHub(allowedOrigins(config), func(ctx context.Context, orgID models.OrgID, convID models.ConversationID) bool {
		_, err := db.GetConversation(ctx, orgID, convID)
		return err == nil
	})
	hub.Start()

	sender := outbox.NewSender(rt, db, hub)
	engine := flows.NewEngine(rt, db, sender, mediaStore, hub)
	webhooks := webhook.NewServer(rt, db, hub, engine)
	webhooks.Start()

	dispatcher := broadcasts.NewDispatcher(rt, db, hub)

	scheduler := schedules.NewScheduler(rt, db, dispatcher)
	if err := scheduler.Start(); err != nil {
		logger.Error("unable to start scheduler", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(rt, db, mediaStore, hub, hub, webhooks, dispatcher)
	server.Start()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("stopping", "signal", <-ch)

	// stop intake first, then drain the pieces that are still sending
	server.Stop()
	scheduler.Stop()
	webhooks.Stop()
	dispatcher.Stop()
	hub.Stop()

	if err := rt.Stop(); err != nil {
		logger.Error("error closing pools", "error", err)
	}
}

func allowedOrigins(config *runtime.Config) []string {
	origins := []string{}
	for _, origin := range append(strings.Split(config.AllowedOrigins, ","), config.FrontendURL) {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

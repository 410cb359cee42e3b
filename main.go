// Command chat-relay ingests YouTube live chat for one channel and republishes
// it as normalized platform events.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, runs migrations and archives every event.
//   - Optionally fans events out to Redis pub/sub.
//   - Discovers the channel's live broadcasts and attaches to each chat.
//   - Refreshes the stored YouTube OAuth token in the background.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /events and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/eventbus"
	"github.com/onnwee/chat-relay/events"
	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/oauth"
	"github.com/onnwee/chat-relay/platform"
	"github.com/onnwee/chat-relay/resolver"
	"github.com/onnwee/chat-relay/server"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it stays off without OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdownTracing, err := telemetry.InitTracing("chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New(slog.Default())

	var (
		database *sql.DB
		archive  *db.Archive
		tokens   *db.TokenStore
	)
	if cfg.DBDsn != "" {
		database, err = db.Open(ctx, cfg.DBDsn, slog.Default())
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		archive = db.NewArchive(database, db.DefaultArchiveBuffer, slog.Default())
		archive.Start(ctx)
		defer archive.Close()
		bus.Subscribe(archive.Listen)

		tokens, err = db.NewTokenStore(database)
		if err != nil {
			slog.Error("token store init failed", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Info("DB_DSN not set; event archive and token storage disabled")
	}

	if cfg.RedisURL != "" {
		pub, err := eventbus.DialRedis(ctx, cfg.RedisURL, cfg.RedisChannel, slog.Default())
		if err != nil {
			slog.Error("redis unavailable; continuing without fan-out", slog.Any("err", err))
		} else {
			defer func() { _ = pub.Close() }()
			bus.Subscribe(pub.Listen)
		}
	}

	var auth *youtubeapi.Auth
	if cfg.HasUserOAuth() && tokens != nil {
		auth = youtubeapi.NewAuth(youtubeapi.AuthConfig{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			RedirectURL:  cfg.YTRedirectURI,
			Scopes:       cfg.YTScopes,
		}, tokens)
		oauth.StartRefresher(ctx, tokens, youtubeapi.Provider, 10*time.Minute, 20*time.Minute, oauth.ConfigRefresh(auth.Config()))
	}

	client, err := newYouTubeClient(ctx, cfg, auth)
	if err != nil && cfg.Platform.Enabled {
		slog.Error("youtube client unavailable; ingestion will report configuration errors", slog.Any("err", err))
	}

	p := newPlatform(cfg, client, database, bus)

	srvDeps := server.Deps{Platform: p, Bus: bus, DB: database}
	if archive != nil {
		srvDeps.Archive = archive
	}
	if auth != nil {
		srvDeps.Auth = auth
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, srvDeps)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if err := p.Initialize(ctx, platform.Handlers{
		OnStreamDetected: func(_ context.Context, ev *events.Event) {
			slog.Info("live streams detected", slog.Any("video_ids", ev.VideoIDs))
		},
		OnStreamStatus: func(_ context.Context, ev *events.Event) {
			slog.Info("stream status changed", slog.Bool("live", ev.IsLive), slog.String("video_id", ev.VideoID))
		},
	}, false); err != nil {
		// Initialization failures are already reported as error events; the
		// process stays up so /readyz and /admin/reconnect remain reachable.
		slog.Error("platform initialization failed", slog.Any("err", err))
	}

	<-ctx.Done()
	slog.Info("shutting down")
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.Cleanup(cleanupCtx)
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// newYouTubeClient prefers the stored OAuth token, which chat posting needs,
// and falls back to the API key.
func newYouTubeClient(ctx context.Context, cfg *config.Config, auth *youtubeapi.Auth) (*youtubeapi.Client, error) {
	opts := youtubeapi.Options{APIKey: cfg.YTAPIKey, Logger: slog.Default()}
	if auth != nil {
		hc, err := auth.HTTPClient(ctx)
		switch {
		case err == nil:
			opts.HTTPClient = hc
			slog.Info("youtube client using stored oauth token")
		case errors.Is(err, db.ErrNoToken), errors.Is(err, youtubeapi.ErrNoToken):
			slog.Warn("no youtube oauth token stored; visit /auth/youtube/start to authorize chat posting")
		default:
			slog.Warn("loading youtube oauth token failed", slog.Any("err", err))
		}
	}
	if err := cfg.ValidateAPIReady(); err != nil && opts.HTTPClient == nil {
		return nil, err
	}
	return youtubeapi.New(ctx, opts)
}

func newPlatform(cfg *config.Config, client *youtubeapi.Client, database *sql.DB, bus *eventbus.Bus) *platform.Platform {
	opts := platform.Options{
		Config:             cfg.Platform,
		Issues:             cfg.PlatformIssues,
		Bus:                bus,
		Suppress:           suppressAuthors(os.Getenv("YOUTUBE_IGNORE_AUTHORS")),
		ViewerPollInterval: cfg.ViewerPollInterval,
		CallTimeout:        cfg.YTClientTimeout,
		Logger:             slog.Default(),
	}
	if client == nil {
		return platform.New(opts)
	}

	var store resolver.Store
	switch {
	case database != nil:
		store = &db.ChannelCache{DB: database}
	case cfg.ChannelCachePath != "":
		store = resolver.NewFileCache(cfg.ChannelCachePath)
	}
	opts.Instances = innertube.Static(client)
	opts.Resolver = resolver.New(resolver.Options{
		Client:  opts.Instances,
		Store:   store,
		Timeout: cfg.YTClientTimeout,
		Logger:  slog.Default(),
	})
	opts.Detector = youtubeapi.NewDetector(client, opts.Resolver)
	opts.Viewers = client
	return platform.New(opts)
}

// suppressAuthors drops items from the comma separated channel ids, e.g. the
// relay's own bot account.
func suppressAuthors(list string) chat.SuppressFunc {
	ids := map[string]bool{}
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = true
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return func(author innertube.Author, _ *innertube.ChatItem) bool {
		return ids[author.ID]
	}
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}

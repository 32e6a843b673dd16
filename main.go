// Command twitch-notifier checks once whether a Twitch broadcaster went live
// since the previous invocation and, if so, posts a go-live message to every
// configured webhook. It is meant to be run periodically by cron, a systemd
// timer or a Kubernetes CronJob.
//
// It:
//   - Loads configuration from the environment (optionally seeded from a .env
//     file) and the legacy config.json.
//   - Loads the persisted state (file, Postgres, SQLite or Redis).
//   - Reuses or refreshes the app access token, resolves the broadcaster and
//     queries the live status.
//   - Notifies on the offline to live edge and saves the new status.
//   - Pushes run metrics to a Prometheus pushgateway when configured
//     (skipped with -dry-run).
//
// Exit status: 0 on a completed run (webhook failures included), 2 on a
// configuration error, 1 on any other failure.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/NFG-Linux/twitch-notifier/apperr"
	"github.com/NFG-Linux/twitch-notifier/config"
	"github.com/NFG-Linux/twitch-notifier/crypto"
	"github.com/NFG-Linux/twitch-notifier/monitor"
	"github.com/NFG-Linux/twitch-notifier/oauth"
	"github.com/NFG-Linux/twitch-notifier/state"
	"github.com/NFG-Linux/twitch-notifier/telemetry"
	"github.com/NFG-Linux/twitch-notifier/twitchapi"
	"github.com/NFG-Linux/twitch-notifier/webhook"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("twitch-notifier", flag.ContinueOnError)
	fs.SetOutput(stdout)
	dryRun := fs.Bool("dry-run", false, "Check status and log what would be sent without notifying or touching stored state")
	envFile := fs.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Local convenience only; real deployments set the environment directly.
	_ = godotenv.Load(*envFile)

	// Logger first so config errors are formatted like everything else.
	telemetry.InitLogger(stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		return apperr.ExitCode(err)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("twitch-notifier", version)
	if err != nil {
		slog.Warn("tracing initialization failed", slog.Any("err", err))
		shutdown = func() {}
	}
	defer shutdown()

	runID := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, runID)
	log := telemetry.LoggerWithCorr(ctx)

	start := time.Now()
	res, err := execute(ctx, cfg, *dryRun)
	telemetry.ObserveRun(err, time.Since(start))
	if !*dryRun {
		pushMetrics(cfg)
	}

	if err != nil {
		log.Error("run failed", slog.String("kind", apperr.KindOf(err).String()), slog.Any("err", err))
		return apperr.ExitCode(err)
	}
	log.Info("run complete",
		slog.Bool("live", res.Live),
		slog.Bool("notified", res.Notified),
		slog.Int("webhooks_failed", res.Failed()),
		slog.Bool("dry_run", *dryRun),
		slog.Duration("took", time.Since(start)))
	return 0
}

// execute wires the run from cfg and performs it.
func execute(ctx context.Context, cfg *config.Config, dryRun bool) (monitor.Result, error) {
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return monitor.Result{}, apperr.New(apperr.KindConfig, "ENCRYPTION_KEY", err)
		}
		sealer = s
	}

	store, err := state.Open(ctx, cfg.StateStore, cfg.BroadcasterName, sealer)
	if err != nil {
		return monitor.Result{}, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close state store", slog.Any("err", err))
		}
	}()
	telemetry.LoggerWithCorr(ctx).Debug("state store opened", slog.String("backend", state.Backend(cfg.StateStore)))

	var runStore state.Store = store
	if dryRun {
		// Work on a copy so no record, not even a refreshed token, is written.
		// Opening a SQL store above still applies its schema.
		st, err := store.Load(ctx)
		if err != nil {
			return monitor.Result{}, err
		}
		runStore = state.NewMemoryStore(st)
	}

	hc := telemetry.NewHTTPClient(cfg.HTTPTimeout)
	m := &monitor.Monitor{
		Store:       runStore,
		Tokens:      oauth.NewManager(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchTokenURL, runStore, hc),
		Platform:    twitchapi.NewClient(cfg.TwitchClientID, cfg.TwitchAPIBaseURL, hc),
		Notifier:    webhook.New(hc, cfg.WebhookConcurrency),
		Broadcaster: cfg.BroadcasterName,
		Webhooks:    cfg.WebhookURLs,
		DryRun:      dryRun,
	}
	return m.Run(ctx)
}

// pushMetrics is best effort: a pushgateway outage must not fail the run.
func pushMetrics(cfg *config.Config) {
	if cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()
	if err := telemetry.Push(ctx, cfg.PushgatewayURL, cfg.BroadcasterName); err != nil {
		slog.Warn("metrics push failed", slog.String("gateway", cfg.PushgatewayURL), slog.Any("err", err))
	}
}

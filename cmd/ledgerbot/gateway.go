package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ledgerbot/internal/agent"
	"ledgerbot/internal/archive"
	"ledgerbot/internal/channel"
	"ledgerbot/internal/config"
	"ledgerbot/internal/dispatch"
	"ledgerbot/internal/domain"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/memory"
	"ledgerbot/internal/metrics"
	"ledgerbot/internal/pipeline"
	"ledgerbot/internal/provider"
	"ledgerbot/internal/session"
)

const pruneInterval = 15 * time.Minute

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the WhatsApp webhook gateway",
		Long:  "Serves the webhook, health and metrics endpoints until interrupted. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

// gateway holds everything runGateway starts and must later close.
type gateway struct {
	server     *channel.Server
	watcher    *agent.ProfileWatcher
	store      *memory.SQLiteStore
	cloudWatch *metrics.CloudWatch
}

func (g *gateway) Close() error {
	var errs []error
	if g.cloudWatch != nil {
		errs = append(errs, g.cloudWatch.Close())
	}
	if g.store != nil {
		errs = append(errs, g.store.Close())
	}
	return errors.Join(errs...)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.server.Run(gctx) })
	if gw.watcher != nil {
		g.Go(func() error { return gw.watcher.Run(gctx) })
	}
	if gw.store != nil {
		g.Go(func() error { return pruneSessions(gctx, gw.store) })
	}

	log.Info("gateway started", "version", version, "webhook", cfg.WhatsApp.WebhookPath)
	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

func buildGateway(ctx context.Context, cfg *config.Config, log *slog.Logger) (*gateway, error) {
	gw := &gateway{}

	// Telemetry
	var (
		collector *metrics.MetricsCollector
		telemetry metrics.Fanout
	)
	if cfg.Metrics.Enabled {
		collector = metrics.NewMetricsCollector("ledgerbot")
		telemetry = append(telemetry, metrics.NewPrometheus(collector))
	}
	if cfg.Metrics.CloudWatch.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		gw.cloudWatch = metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg),
			cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dimensions, log)
		telemetry = append(telemetry, gw.cloudWatch)
	}

	// Sessions and audit
	var (
		store domain.SessionStore = session.NewMemoryStore()
		audit domain.DeliveryLog
	)
	if cfg.Sessions.Backend == "sqlite" {
		s, err := memory.NewSQLiteStore(cfg.Sessions.DBPath, log)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("session store: %w", err)
		}
		gw.store = s
		store, audit = s, s
	}

	ledgerClient := ledger.New(ledger.Config{
		APIBase: cfg.Ledger.APIBase,
		Timeout: cfg.Ledger.Timeout(),
		Logger:  log.With("component", "ledger"),
	})
	resolver := session.NewResolver(session.Config{
		Store:        store,
		Auth:         ledgerClient,
		TTL:          cfg.Sessions.TTL(),
		CountryCodes: cfg.Sessions.CountryCodes,
		Logger:       log.With("component", "session"),
	})

	// Language model
	var profiles agent.ProfileSource = agent.StaticProfile{P: agent.DefaultProfile()}
	if cfg.LLM.ProfilePath != "" {
		w, err := agent.NewProfileWatcher(cfg.LLM.ProfilePath, log.With("component", "profile"))
		if err != nil {
			gw.Close()
			return nil, err
		}
		gw.watcher = w
		profiles = w
	}
	model, err := provider.NewGemini(ctx, provider.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout(),
		Logger:  log.With("component", "gemini"),
	})
	if err != nil {
		gw.Close()
		return nil, err
	}
	limiter := agent.NewRateLimiter(cfg.LLM.MaxBurst, cfg.LLM.RateLimitPerMinute)

	var transcriber agent.Transcriber
	if cfg.Transcription.Provider == "whisper" {
		transcriber = provider.NewWhisper(provider.WhisperConfig{
			APIBase:  cfg.Transcription.APIBase,
			APIKey:   cfg.Transcription.APIKey,
			Model:    cfg.Transcription.Model,
			Language: cfg.Transcription.Language,
			Timeout:  cfg.LLM.Timeout(),
			Logger:   log.With("component", "whisper"),
		})
	}

	classifier, err := agent.NewClassifier(agent.ClassifierConfig{
		Model:    model,
		Profiles: profiles,
		Limiter:  limiter,
		Logger:   log.With("component", "classifier"),
	})
	if err != nil {
		gw.Close()
		return nil, err
	}
	media, err := agent.NewMediaAdapter(agent.MediaConfig{
		Model:       model,
		Transcriber: transcriber,
		Profiles:    profiles,
		Limiter:     limiter,
		Logger:      log.With("component", "media"),
	})
	if err != nil {
		gw.Close()
		return nil, err
	}

	sink, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		gw.Close()
		return nil, err
	}

	wa := channel.NewClient(channel.ClientConfig{
		APIBase:       cfg.WhatsApp.APIBase,
		AccessToken:   cfg.WhatsApp.AccessToken,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Timeout:       cfg.WhatsApp.Timeout(),
		MaxMediaBytes: cfg.WhatsApp.MaxMediaBytes,
		Logger:        log.With("component", "whatsapp"),
	})

	pipe, err := pipeline.New(pipeline.Config{
		Sessions:   resolver,
		Classifier: classifier,
		Media:      media,
		Fetcher:    wa,
		Dispatcher: dispatch.New(dispatch.Config{
			Ledger:           ledgerClient,
			BalanceThreshold: decimal.NewFromFloat(cfg.Dispatch.BalanceThreshold),
			Logger:           log.With("component", "dispatch"),
		}),
		Sender:    wa,
		Archive:   sink,
		Audit:     audit,
		Telemetry: telemetry,
		Logger:    log.With("component", "pipeline"),
	})
	if err != nil {
		gw.Close()
		return nil, err
	}

	var admin *channel.Admin
	if cfg.Admin.Enabled {
		admin = channel.NewAdmin(channel.AdminConfig{
			Token:    cfg.Admin.Token,
			Sessions: resolver,
			Sender:   wa,
			Logger:   log.With("component", "admin"),
		})
	}

	gw.server = channel.NewServer(channel.ServerConfig{
		Addr: cfg.Server.Addr(),
		Webhook: channel.NewWebhook(channel.WebhookConfig{
			Path:            cfg.WhatsApp.WebhookPath,
			VerifyToken:     cfg.WhatsApp.VerifyToken,
			AppSecret:       cfg.WhatsApp.AppSecret,
			Pipeline:        pipe,
			PipelineTimeout: cfg.Server.PipelineTimeout(),
			Telemetry:       telemetry,
			Metrics:         collector,
			Logger:          log.With("component", "webhook"),
		}),
		Admin:           admin,
		Metrics:         collector,
		MetricsPath:     cfg.Metrics.Endpoint,
		ShutdownTimeout: cfg.Server.ShutdownTimeout(),
		Logger:          log,
	})
	return gw, nil
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "s3":
		return archive.NewS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Endpoint)
	default:
		return archive.NewLocal(cfg.Dir)
	}
}

func pruneSessions(ctx context.Context, store *memory.SQLiteStore) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := store.PruneExpired(ctx)
			if err != nil {
				log.Warn("session prune failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("expired sessions pruned", "count", n)
			}
		}
	}
}

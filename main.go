// Package main runs the pricewatch service. It re-checks tracked product pages
// on a schedule, records price history and emails price drop and restock alerts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pricewatch/archive"
	"pricewatch/config"
	"pricewatch/email"
	"pricewatch/notify"
	"pricewatch/poll"
	"pricewatch/refresh"
	"pricewatch/scraper"
	"pricewatch/server"
	"pricewatch/storage"
	"pricewatch/track"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	shutdownTimeout = 30 * time.Second
	trackLimit      = 30 // Track, search and details requests per client IP per hour
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), ".env")
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	arch, closeArchive, err := newArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeArchive()

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	gate := notify.New(email.New(provider, logger, cfg.BaseURL), cfg.NotificationCooldown(), logger)

	fetcher := scraper.New(&http.Client{}, scraper.Config{
		SearchBaseURL: cfg.SearchBaseURL,
		MaxRetries:    cfg.MaxRetries,
		Timeout:       cfg.FetchTimeout(),
		RequestDelay:  cfg.RequestDelay(),
	}, logger)

	// Keep nil interfaces nil when archiving is off.
	var (
		cycleArchiver refresh.Archiver
		trackArchiver track.Archiver
		snapshots     server.Snapshots
	)
	if arch != nil {
		cycleArchiver, trackArchiver, snapshots = arch, arch, arch
	}

	scheduler := refresh.New(cycleStore{store: store}, fetcher, gate, cycleArchiver,
		refresh.Config{RequestDelay: cfg.RequestDelay()}, logger)
	driver := poll.New(scheduler, poll.Config{
		Tick:     cfg.PollTick(),
		Interval: cfg.RefreshInterval(),
		MaxItems: cfg.MaxItemsPerCycle,
	}, logger)

	srv := server.New(&server.Config{
		Refresher:  scheduler,
		Tracker:    track.New(store, fetcher, trackArchiver, logger),
		Catalog:    fetcher,
		Store:      store,
		Snapshots:  snapshots,
		Logger:     logger,
		IsNotFound: isNotFound,
		MaxItems:   cfg.MaxItemsPerCycle,
		TrackLimit: trackLimit,
		Port:       cfg.Port,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		logger.Error("HTTP server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", shutdownErr)
	}
	wg.Wait()
	return err
}

// cycleStore adapts the database to the scheduler's session interface.
type cycleStore struct {
	store *storage.Store
}

func (c cycleStore) Begin(ctx context.Context) (refresh.Session, error) {
	sess, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, archive.ErrNotFound)
}

// newArchive returns nil when neither a bucket nor a local path is configured.
func newArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*archive.Store, func(), error) {
	noop := func() {}

	if cfg.Storage.Bucket != "" {
		var opts []option.ClientOption
		if cfg.Email.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.Email.GoogleCredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, noop, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Archiving snapshots to Cloud Storage", "bucket", cfg.Storage.Bucket)
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return archive.New(client, cfg.Storage.Bucket, "", logger), closeFn, nil
	}

	if cfg.Storage.LocalPath != "" {
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
			return nil, noop, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Archiving snapshots locally", "storage_path", cfg.Storage.LocalPath)
		return archive.New(nil, "", cfg.Storage.LocalPath, logger), noop, nil
	}

	logger.Info("Snapshot archive disabled")
	return nil, noop, nil
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Email.Provider {
	case "brevo":
		logger.Info("Sending email via Brevo", "from", cfg.Email.From)
		return email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.From, cfg.Email.FromName,
			cfg.Email.BrevoEndpoint, logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, cfg.Email.GoogleCredentialsJSON)
		if err != nil {
			return nil, err
		}
		logger.Info("Sending email via Gmail API")
		return email.NewGmailProvider(svc, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account provides Application Default Credentials.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	return metadataReachable(ctx, "http://metadata.google.internal/computeMetadata/v1/project/project-id")
}

func metadataReachable(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

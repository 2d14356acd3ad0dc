package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/textsentry/scanhook/internal/api"
	"github.com/textsentry/scanhook/internal/artifacts"
	artifactsgcs "github.com/textsentry/scanhook/internal/artifacts/gcs"
	artifactsmem "github.com/textsentry/scanhook/internal/artifacts/memory"
	"github.com/textsentry/scanhook/internal/clock/system"
	"github.com/textsentry/scanhook/internal/config"
	"github.com/textsentry/scanhook/internal/hash/sha256"
	"github.com/textsentry/scanhook/internal/id/uuid"
	"github.com/textsentry/scanhook/internal/logging"
	"github.com/textsentry/scanhook/internal/notify"
	notifymem "github.com/textsentry/scanhook/internal/notify/memory"
	notifypubsub "github.com/textsentry/scanhook/internal/notify/pubsub"
	"github.com/textsentry/scanhook/internal/provider"
	"github.com/textsentry/scanhook/internal/scan"
	scanmem "github.com/textsentry/scanhook/internal/scan/memory"
	scanpg "github.com/textsentry/scanhook/internal/scan/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	var store scan.Store
	switch cfg.Store.Provider {
	case "postgres":
		pgStore, err := scanpg.NewStore(ctx, scanpg.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxOpenConns),
			MinConns: int32(cfg.Store.MinOpenConns),
		}, clock)
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("postgres schema init failed", zap.Error(err))
		}
		store = pgStore
	default:
		store = scanmem.NewStore(clock)
	}

	var blobs artifacts.Store
	switch cfg.Artifacts.Provider {
	case "gcs":
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("storage client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := storageClient.Close(); closeErr != nil {
				logger.Warn("storage client close failed", zap.Error(closeErr))
			}
		}()
		blobs, err = artifactsgcs.New(storageClient, artifactsgcs.Config{Bucket: cfg.Artifacts.GCSBucket})
		if err != nil {
			logger.Fatal("gcs blob store init failed", zap.Error(err))
		}
	default:
		blobs = artifactsmem.NewBlobStore()
	}

	var events notify.Publisher
	if cfg.PubSub.Enabled {
		pubsubClient, err := pubsubapi.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := pubsubClient.Close(); closeErr != nil {
				logger.Warn("pubsub client close failed", zap.Error(closeErr))
			}
		}()
		events = notifypubsub.New(pubsubClient.Publisher(cfg.PubSub.TopicName))
	} else {
		events = notifymem.New()
	}

	providerClient := provider.NewClient(provider.Config{
		APIBaseURL:     cfg.Provider.APIBaseURL,
		IdentityURL:    cfg.Provider.IdentityURL,
		Email:          cfg.Provider.Email,
		Key:            cfg.Provider.Key,
		WebhookBaseURL: cfg.Provider.WebhookBaseURL,
		Timeout:        cfg.ProviderTimeout(),
		Sandbox:        cfg.Provider.Sandbox,
	}, logger.Named("provider"))

	if err := providerClient.Login(ctx); err != nil {
		if cfg.Provider.Environment == "production" {
			logger.Fatal("provider login failed", zap.Error(err))
		}
		logger.Warn("provider login failed, continuing without credentials", zap.Error(err))
	}

	apiServer := api.NewServer(api.Deps{
		Store:     store,
		Exporter:  providerClient,
		Submitter: providerSubmitter{providerClient},
		Events:    events,
		Blobs:     blobs,
		Hasher:    hasher,
		IDGen:     idGen,
		Clock:     clock,
	}, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// providerSubmitter adapts the provider client to the API's submission
// interface.
type providerSubmitter struct {
	client *provider.Client
}

func (s providerSubmitter) SubmitScan(ctx context.Context, scanID string, sub api.ProviderSubmission) error {
	return s.client.SubmitScan(ctx, scanID, provider.Submission{
		Base64:   sub.Base64,
		Filename: sub.Filename,
	})
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"render-worker/cmd"
	"render-worker/internal/api"
	"render-worker/internal/config"
	"render-worker/internal/core"
	"render-worker/internal/logging"
	"render-worker/internal/render"
	"render-worker/internal/storage"
)

func s3BackendConfig(cfg config.S3Config) storage.S3BackendConfig {
	return storage.S3BackendConfig{
		Client: storage.S3ClientConfig{
			Endpoint:        cfg.EndpointURL,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKey,
			SecretAccessKey: cfg.SecretKey,
			UsePathStyle:    cfg.AddressingStyle == "path",
		},
		Bucket:          cfg.Bucket,
		PublicURL:       cfg.PublicURL,
		SignedURLExpiry: cfg.SignedURLExpiry.Std(),
		CacheControl:    cfg.CacheControl,
	}
}

func main() {
	if err := cmd.LoadEnvFile(flag.CommandLine, os.Args[1:]); err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "render-worker"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renderClient := render.NewClient(cfg.ComfyUIBaseURL)
	if cfg.RefreshModels {
		if err := renderClient.RefreshModels(ctx); err != nil {
			slog.Warn("model refresh failed, continuing", "error", err)
		}
	}

	volumeBase := storage.DetectVolumeBase(ctx, cfg.VolumeBasePath, cfg.NetworkVolumePath, cfg.WorkspacePath, cfg.NetworkVolumeTimeout.Std())
	volume := storage.NewVolume(filepath.Join(volumeBase, cfg.VolumeOutputSubdir))

	var s3 core.S3Provider
	if cfg.S3.Configured() {
		s3 = storage.NewLazyS3(s3BackendConfig(cfg.S3))
		slog.Info("object storage configured", "bucket", cfg.S3.Bucket, "endpoint", cfg.S3.EndpointURL)
	} else {
		slog.Info("object storage not configured, delivering to volume only", "volume", volume.Root())
	}

	pipeline, err := core.NewPipeline(renderClient, s3, volume, core.Options{
		Execution: core.ExecutionOptions{
			PollInterval:       cfg.PollInterval.Std(),
			Deadline:           cfg.PollDeadline.Std(),
			SubmitTimeout:      cfg.SubmitTimeout.Std(),
			PollRequestTimeout: cfg.PollRequestTimeout.Std(),
		},
		OutputDir:           cfg.OutputDir,
		DeliveryConcurrency: cfg.DeliveryConcurrency,
		UploadTimeout:       cfg.UploadTimeout.Std(),
		MaxInflightJobs:     cfg.MaxInflightJobs,
		CleanupTempFiles:    cfg.CleanupTempFiles,
	})
	if err != nil {
		log.Fatalf("error creating pipeline: %v", err)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	api.NewWorkerService(pipeline).AddRoutes(r)

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}()

	slog.Info("render worker listening", "port", cfg.APIPort, "render_service", cfg.ComfyUIBaseURL)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("could not listen on %s: %v", cfg.APIPort, err)
	}

	slog.Info("server stopped")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"geoattend/internal/attendance"
	"geoattend/internal/cloudinary"
	"geoattend/internal/config"
	"geoattend/internal/faceclient"
	"geoattend/internal/imagestore"
	"geoattend/internal/logger"
	"geoattend/internal/mirror"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

// Worker drains the mirror queue and copies enrolled reference images to Cloudinary.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.Named("worker")

	if !cfg.CloudinaryEnabled() {
		zl.Warn("cloudinary credentials missing, nothing to do")
		return
	}
	if cfg.QueueBackend == "memory" {
		zl.Warn("QUEUE_BACKEND=memory is drained by the api process, worker exiting")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		zl.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		zl.Warn("redis not reachable yet, consumer will keep retrying", zap.String("addr", cfg.RedisAddr))
	}

	images, err := imagestore.NewLocal(cfg.ImageDir)
	if err != nil {
		zl.Fatal("image store", zap.Error(err))
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.FaceTimeout, faceclient.Options{Model: cfg.FaceModel})
	if err := face.Health(ctx); err != nil {
		zl.Warn("face service not available", zap.Error(err))
	} else {
		zl.Info("face service connected", zap.String("url", cfg.FaceServiceURL))
	}

	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	w := mirror.NewWorker(
		queue.NewRedisQueue(redisClient.Client, ""),
		cdn,
		images,
		attendance.NewRepository(db),
		zl,
		3,
	)

	zl.Info("worker started, waiting for messages")
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		zl.Error("worker stopped", zap.Error(err))
		return
	}
	zl.Info("worker stopped")
}

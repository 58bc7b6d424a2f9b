package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/cloudinary"
	"geoattend/internal/config"
	"geoattend/internal/faceclient"
	"geoattend/internal/handler"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/imagestore"
	"geoattend/internal/live"
	"geoattend/internal/logger"
	"geoattend/internal/metrics"
	"geoattend/internal/mirror"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	zl, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := runHTTP(cfg, zl); err != nil {
		zl.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return fmt.Errorf("DISPLAY_TIMEZONE: %w", err)
	}

	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	images, err := imagestore.NewLocal(cfg.ImageDir)
	if err != nil {
		return err
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.FaceTimeout, faceclient.Options{
		Model:             cfg.FaceModel,
		EnforceDetection:  cfg.FaceEnforceDetection,
		DistanceThreshold: cfg.FaceDistanceThreshold,
	})
	if err := face.Health(ctx); err != nil {
		zl.Warn("face service not available, verifications will fail until it is", zap.Error(err))
	}

	var locker attendance.Locker
	switch cfg.LockBackend {
	case "redis":
		// a holder can keep the lock through one oracle call and two storage operations
		ttl := cfg.FaceTimeout + 2*cfg.StorageTimeout + 10*time.Second
		locker = attendance.NewRedisLocker(redisClient.Client, ttl)
	default:
		locker = attendance.NewMemoryLocker()
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	m := metrics.New()
	hub := live.NewHub(cfg.AllowedOrigins, zl.Named("live"))
	publisher := mirror.NewPublisher(q, zl.Named("mirror"))

	repo := attendance.NewRepository(db)
	oracle := attendance.NewOracle(face, images, cfg.FaceTimeout)
	opts := []attendance.Option{
		attendance.WithRecorder(m),
		attendance.WithListener(hub),
	}
	if cfg.CloudinaryEnabled() {
		opts = append(opts, attendance.WithListener(publisher))
	}
	svc := attendance.NewService(repo, images, oracle, locker, attendance.Config{
		DedupWindow:    cfg.DedupWindow,
		Tolerance:      cfg.GeofenceTolerance,
		LockWait:       cfg.LockWait,
		StorageTimeout: cfg.StorageTimeout,
	}, zl.Named("attendance"), opts...)

	hasher, err := auth.NewHasher(cfg.PasswordHasher)
	if err != nil {
		return err
	}
	validate := validator.New()
	authSvc := auth.NewService(auth.NewRepository(db), hasher, validate, zl.Named("auth"), auth.Config{
		Issuer:     cfg.JWTIssuer,
		SigningKey: cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
	})

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}

	var announcer handler.Announcer
	if cfg.CloudinaryEnabled() {
		announcer = publisher
		if cfg.QueueBackend == "memory" {
			// nothing outside this process can drain an in-memory queue
			cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
			w := mirror.NewWorker(q, cdn, images, repo, zl.Named("mirror"), 3)
			go func() { _ = w.Run(ctx) }()
		}
	} else {
		zl.Info("cloudinary not configured, reference mirroring disabled")
	}

	go imagestore.NewSweeper(images, cfg.TransientTTL, zl.Named("sweeper")).Run(ctx)

	r := handler.NewRouter(handler.RouterConfig{
		Attendance:     handler.NewAttendanceHandler(svc, cfg.MaxImageBytes, loc),
		Admin:          handler.NewAdminHandler(authSvc, repo, svc, announcer, hub, cfg.MaxImageBytes, loc),
		Metrics:        m,
		Limiter:        limiter,
		Logger:         zl,
		AllowedOrigins: cfg.AllowedOrigins,
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
		Health: map[string]handler.HealthCheck{
			"db":    db.Healthy,
			"redis": redisClient.Healthy,
			"face":  func(ctx context.Context) bool { return face.Health(ctx) == nil },
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// face verification alone may take FACE_TIMEOUT
		WriteTimeout: cfg.FaceTimeout + cfg.LockWait + 2*cfg.StorageTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("starting server", zap.String("addr", srv.Addr), zap.String("db", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zl.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("server forced shutdown", zap.Error(err))
	}
	zl.Info("server exited")
	return nil
}

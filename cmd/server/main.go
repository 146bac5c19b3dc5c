package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"imagevariant/internal/config"
	"imagevariant/internal/database"
	"imagevariant/internal/httpapi"
	"imagevariant/internal/logger"
	"imagevariant/internal/metadata"
	"imagevariant/internal/observability"
	"imagevariant/internal/queue"
	"imagevariant/internal/resolver"
	"imagevariant/internal/store"
	"imagevariant/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration error:", err)
	}

	logger.Init("imagevariant", cfg.NodeEnv, logger.ParseLevelFromEnv())

	shutdownOTel, err := observability.InitOTel(context.Background(), "imagevariant-api")
	if err != nil {
		log.Printf("Warning: Failed to initialize OpenTelemetry: %v", err)
	} else {
		defer func() {
			if err := shutdownOTel(context.Background()); err != nil {
				log.Printf("Error shutting down OpenTelemetry: %v", err)
			}
		}()
	}

	if cfg.NodeEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.New(cfg.MongoDBURI)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()
	log.Println("✓ Connected to metadata store")

	objects, err := store.New(store.Config{
		Region:          cfg.AWSRegion,
		BucketName:      cfg.S3BucketName,
		PublicURL:       cfg.S3PublicURL,
		EndpointURL:     cfg.S3EndpointURL,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		log.Fatal("Failed to configure object store:", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, "imagevariant")

	ms := metadata.NewPostgresStore(db.DB)
	res := resolver.New(ms, objects, q, resolver.Config{
		QueueAttempts:      cfg.QueueAttempts,
		QueueBackoffBaseMS: cfg.QueueBackoffBaseMS,
	})

	// The server process also embeds a worker so a single-process deployment
	// (the common case for this service, per spec.md §5) renders jobs
	// without a second binary. cmd/worker runs the same pipeline standalone
	// for deployments that want to scale the two roles independently.
	w := worker.New(ms, objects, db, cfg.WorkerConcurrency)
	requeue := worker.NewRequeuePolicy(ms, q)

	renderWorker := q.RegisterWorker("render", queue.WorkerOptions{
		Concurrency:     cfg.WorkerConcurrency,
		LockDuration:    cfg.LockDuration,
		StalledInterval: cfg.StalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
	}, w.HandleJob, queue.EventHandlers{
		OnFailed: func(job *queue.Job, err error, final bool) {
			if !final {
				return
			}
			if reqErr := requeue.Apply(context.Background(), job); reqErr != nil {
				log.Printf("requeue policy failed for job %s: %v", job.ID, reqErr)
			}
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	renderWorker.Start(ctx)

	router := httpapi.NewRouter(cfg, res, db)
	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.AppPort), Handler: router}

	go func() {
		log.Printf("🚀 Server starting on port %d", cfg.AppPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	log.Println("📤 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	renderWorker.Stop()

	log.Println("✅ Server exited")
}

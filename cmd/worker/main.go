// Command worker runs the resize pipeline standalone, for deployments that
// want to scale the render role independently of the HTTP edge.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"imagevariant/internal/config"
	"imagevariant/internal/database"
	"imagevariant/internal/logger"
	"imagevariant/internal/metadata"
	"imagevariant/internal/queue"
	"imagevariant/internal/store"
	"imagevariant/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration error:", err)
	}

	logger.Init("imagevariant-worker", cfg.NodeEnv, logger.ParseLevelFromEnv())

	db, err := database.New(cfg.MongoDBURI)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

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

	log.Println("🚀 Worker started, concurrency:", cfg.WorkerConcurrency)
	renderWorker.Start(ctx)

	<-ctx.Done()
	log.Println("📤 Shutting down worker...")
	renderWorker.Stop()
	log.Println("✅ Worker exited")
}

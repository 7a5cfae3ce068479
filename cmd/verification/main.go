package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/config/logger"
	postgresConfig "github.com/crabzie/Adaptive-Task-Scheduler/config/storage/postgresql"
	config "github.com/crabzie/Adaptive-Task-Scheduler/config/utils"
	oracleHTTP "github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/oracle/http"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	redigo "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx := context.Background()

	log.Info("Starting Verification...")

	// 2. Test Postgres
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	if err := dbService.Migrate(); err != nil {
		log.Fatal("Failed to migrate DB", zap.Error(err))
	}
	// Note: dbService matches *postgres.DB which embeds *pgxpool.Pool
	graphRepo := postgres.NewGraphRepository(dbService.Pool, log)
	historyRepo := postgres.NewHistoryRepository(dbService.Pool, log)

	// Create a dummy task
	task := &domain.Task{
		ID:        domain.TaskID(fmt.Sprintf("test-task-%d", time.Now().Unix())),
		Name:      "Verification Task",
		Status:    domain.TaskStatusPending,
		Priority:  5,
		Requirements: map[domain.ResourceID]float64{
			"verify-cpu": 1,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := graphRepo.SaveResource(ctx, &domain.Resource{ID: "verify-cpu", Name: "cpu", Capacity: 4}); err != nil {
		log.Error("X Postgres: Save Resource Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Save Resource Success")
	}

	if err := graphRepo.SaveTask(ctx, task); err != nil {
		log.Error("X Postgres: Save Task Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Save Task Success")
	}

	if tasks, resources, err := graphRepo.LoadGraph(ctx); err != nil {
		log.Error("X Postgres: Load Graph Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Load Graph Success", zap.Int("Tasks", len(tasks)), zap.Int("Resources", len(resources)))
	}

	rec := &domain.HistoryRecord{
		Category:   task.Category(),
		Estimated:  10 * time.Minute,
		Actual:     12 * time.Minute,
		RecordedAt: time.Now(),
	}
	if err := historyRepo.Append(ctx, rec); err != nil {
		log.Error("X Postgres: Append History Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Append History Success")
	}

	// 3. Test Redis
	log.Info("--- Testing Redis ---")
	redisClient := redigo.NewClient(&redigo.Options{
		Addr:     appConfig.Redis.Addr,
		Password: appConfig.Redis.Password,
		DB:       0,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	store := redisAdapter.NewCalibrationStore(redisClient, time.Hour, log)

	snap := domain.EmptyCalibration()
	snap.Version = 1
	snap.Factors[task.Category()] = domain.CalibrationFactor{Ratio: 1.2, Samples: 1, UpdatedAt: time.Now()}

	if err := store.Save(ctx, snap); err != nil {
		log.Error("X Redis: Save Snapshot Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Save Snapshot Success")
	}

	if loaded, err := store.Load(ctx); err != nil {
		log.Error("X Redis: Load Snapshot Failed", zap.Error(err))
	} else {
		log.Info("✓ Redis: Load Snapshot Success", zap.Int64("Version", loaded.Version), zap.Int("Factors", len(loaded.Factors)))
	}

	// 4. Test RabbitMQ
	log.Info("--- Testing RabbitMQ ---")
	amqpURL := appConfig.AMQP.URL
	if env := os.Getenv("AMQP_URL"); env != "" {
		amqpURL = env
	}

	queue, err := rabbitmq.NewQueueService(amqpURL, log)
	if err != nil {
		log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
	} else {
		schedule := &domain.Schedule{
			Version:    1,
			ComputedAt: time.Now(),
		}
		if err := queue.PublishSchedule(ctx, schedule); err != nil {
			log.Error("X RabbitMQ: Publish Failed", zap.Error(err))
		} else {
			log.Info("✓ RabbitMQ: Publish Success")
		}
	}

	// 5. Test Oracle
	log.Info("--- Testing Oracle ---")
	oracle := oracleHTTP.NewOracleClient(appConfig.Oracle.BaseURL, appConfig.Oracle.Timeout, log)
	est, err := oracle.Estimate(ctx, task, snap)
	if err != nil {
		log.Warn("! Oracle: Query Failed (Expected if estimator not running)", zap.Error(err))
	} else {
		log.Info("✓ Oracle: Query Success", zap.Duration("Mean", est.Mean), zap.Float64("Confidence", est.Confidence))
	}

	log.Info("Verification Complete.")
}

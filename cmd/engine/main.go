package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/config/logger"
	postgresConfig "github.com/crabzie/Adaptive-Task-Scheduler/config/storage/postgresql"
	redisConfig "github.com/crabzie/Adaptive-Task-Scheduler/config/storage/redis"
	config "github.com/crabzie/Adaptive-Task-Scheduler/config/utils"
	oracleHTTP "github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/oracle/http"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/Adaptive-Task-Scheduler/internal/adapter/storage/redis"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/service"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait before gracefully shutting the engine
// _readinessDrainDelay is time to sleep while context shutdown message propagate
const (
	_shutdownPeriod      = 10 * time.Second
	_readinessDrainDelay = 2 * time.Second

	_defaultCalibrationTTL = 30 * 24 * time.Hour
	_pendingPollInterval   = 5 * time.Second
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")

	zap.L().Info("Starting the application", zap.String("app", appConfig.App.Name), zap.String("env", appConfig.App.Env), zap.String("owner", appConfig.App.Owner))

	// 2. Init database service
	dbLogger := baseLogger.Named("DB")
	dbService, err := postgresConfig.New(rootCtx, appConfig.DB, dbLogger)
	if err != nil {
		zap.L().Error("Error initializing database connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the database", zap.String("db", appConfig.DB.Connection))

	// Migrate database
	if err := dbService.Migrate(); err != nil {
		zap.L().Error("Error migrating database", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully migrated the database")

	graphRepo := postgres.NewGraphRepository(dbService.Pool, dbLogger)
	historyRepo := postgres.NewHistoryRepository(dbService.Pool, dbLogger)

	// 3. Init cache service
	cacheService, err := redisConfig.New(rootCtx, appConfig.Redis)
	if err != nil {
		zap.L().Error("Error initializing cache connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the cache server", zap.String("address", appConfig.Redis.Addr))

	calibrationTTL := appConfig.Redis.TTL
	if calibrationTTL <= 0 {
		calibrationTTL = _defaultCalibrationTTL
	}
	calibrationStore := redisAdapter.NewCalibrationStore(cacheService.Client, calibrationTTL, baseLogger.Named("calibration-store"))

	// 4. Init message broker
	queueService, err := rabbitmq.NewQueueService(appConfig.AMQP.URL, baseLogger.Named("amqp"))
	if err != nil {
		zap.L().Error("Error initializing broker connection", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully connected to the message broker")

	// 5. Init estimation client
	oracle := oracleHTTP.NewOracleClient(appConfig.Oracle.BaseURL, appConfig.Oracle.Timeout, baseLogger.Named("oracle"))

	// 6. Init core services
	calibrator := service.NewCalibrator(service.CalibratorConfig{
		Weight:       appConfig.Calibration.Weight,
		RestoreLimit: appConfig.Calibration.RestoreLimit,
	}, historyRepo, calibrationStore, baseLogger.Named("calibrator"))

	if err := calibrator.Restore(rootCtx); err != nil {
		zap.L().Warn("Calibration state could not be restored, starting cold", zap.Error(err))
	}

	engine := service.NewEngine(service.SchedulerConfig{
		Alpha:             appConfig.Scheduler.Alpha,
		Horizon:           appConfig.Scheduler.Horizon,
		ImprovementBudget: appConfig.Scheduler.ImprovementBudget,
		MaxNonImproving:   appConfig.Scheduler.MaxNonImproving,
	}, oracle, calibrator, queueService, baseLogger.Named("engine"))

	// Warm-start from persisted graph
	tasks, resources, err := graphRepo.LoadGraph(rootCtx)
	if err != nil {
		zap.L().Error("Error loading persisted graph", zap.Error(err))
		os.Exit(1)
	}
	engine.Seed(tasks, resources)

	// Persist every lifecycle transition as it commits, so observers
	// polling the store see the engine's decisions live.
	engine.OnStatusChange(func(id domain.TaskID, status domain.TaskStatus) {
		if err := graphRepo.UpdateTaskStatus(rootCtx, id, status); err != nil {
			zap.L().Warn("Failed to persist status transition",
				zap.String("task", string(id)), zap.String("status", string(status)), zap.Error(err))
		}
	})

	// 7. Start workers
	engine.Start(rootCtx)

	go func() {
		err := queueService.ConsumeFeedback(rootCtx, func(report *domain.FeedbackReport) error {
			return engine.HandleFeedback(rootCtx, report)
		})
		if err != nil && rootCtx.Err() == nil {
			zap.L().Error("Feedback consumer stopped", zap.Error(err))
		}
	}()

	// Intake loop: externally submitted work lands in the store as
	// PENDING rows and is folded into the live graph every tick.
	go func() {
		ticker := time.NewTicker(_pendingPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				pending, err := graphRepo.ListPending(rootCtx)
				if err != nil {
					zap.L().Warn("Failed to poll pending tasks", zap.Error(err))
					continue
				}
				engine.Ingest(pending)
			}
		}
	}()

	zap.L().Info("Engine started successfully. Waiting for work...")

	// 8. Wait for ctx cancelation
	<-rootCtx.Done()
	rootCtxCancel()

	// Wait for signal propagation
	time.Sleep(_readinessDrainDelay)
	zap.L().Info("Readiness check propagated, now waiting for the current pass to finish")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer cancel()

	// Persist everything still in memory before exit. Tasks go first so
	// the dependency rows have both endpoints.
	snapshotTasks := engine.Tasks()
	for _, t := range snapshotTasks {
		if err := graphRepo.SaveTask(shutdownCtx, t); err != nil {
			zap.L().Warn("Failed to persist task on shutdown", zap.String("task", string(t.ID)), zap.Error(err))
		}
	}
	for _, t := range snapshotTasks {
		for _, pred := range t.Dependencies {
			if err := graphRepo.SaveDependency(shutdownCtx, pred, t.ID); err != nil {
				zap.L().Warn("Failed to persist dependency on shutdown",
					zap.String("pred", string(pred)), zap.String("succ", string(t.ID)), zap.Error(err))
			}
		}
	}
	for _, res := range engine.Resources() {
		if err := graphRepo.SaveResource(shutdownCtx, res); err != nil {
			zap.L().Warn("Failed to persist resource on shutdown", zap.String("resource", string(res.ID)), zap.Error(err))
		}
	}

	queueService.Close()
	cacheService.Close()
	dbService.Close()

	zap.L().Info("Graceful shutdown complete.")
}

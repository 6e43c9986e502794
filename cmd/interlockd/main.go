package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huangang/interlock/internal/config"
	"github.com/huangang/interlock/internal/metrics"
	"github.com/huangang/interlock/internal/models"
	"github.com/huangang/interlock/internal/services"
	"github.com/huangang/interlock/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger.Init(cfg.Log.Level)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	clock := services.SystemClock()

	// Coordinator and lock reaper
	coord := services.NewLockCoordinator(clock, cfg.Coordinator.EventLogSize, cfg.Coordinator.DefaultTimeoutSeconds)
	reaper := services.NewReaper(coord, clock, time.Duration(cfg.Reaper.IntervalSeconds)*time.Second)
	reaper.Start()

	// Scheduler over the persisted job store
	store := services.NewGormJobStore(models.GetDB())
	var alarms services.AlarmSink = services.LogSink{}
	if cfg.Alarms.ThrottlePerMinute > 0 {
		alarms = services.NewThrottledSink(alarms, float64(cfg.Alarms.ThrottlePerMinute), cfg.Alarms.ThrottleBurst)
	}
	scheduler := services.NewConflictScheduler(coord, store, loggingEquipment(), alarms, clock, &cfg.Scheduler)
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	// Metrics sidecar
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Metrics server failed: %v", err)
			}
		}()
		logger.Infof("Metrics listening on %s", cfg.Metrics.Addr)
	}

	logger.Infof("interlockd started (db: %s)", cfg.Database.Driver)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down...")
	scheduler.Stop()
	reaper.Stop()
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}
	logger.Infof("interlockd stopped")
}

// loggingEquipment is the action backend for a daemon with no instrument
// drivers linked in: every action is logged and reported successful.
// Deployments embed the services package and supply their own backend.
func loggingEquipment() services.Equipment {
	return services.EquipmentFunc(func(ctx context.Context, resourceID, action string, params map[string]any) (any, error) {
		logger.Infof("[Equipment] Executing %s on %s", action, resourceID)
		return map[string]any{"resource_id": resourceID, "action": action}, nil
	})
}

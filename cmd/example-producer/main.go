package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/forq/client"
	"github.com/cuongbtq/forq/internal/config"
	"github.com/cuongbtq/forq/shared/logger"
	"github.com/cuongbtq/forq/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("FORQ_PRODUCER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/example-producer/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateProducerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting producer service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQ.BrokerConfig(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	jobClient := client.New(&client.Config{
		Logger:     appLogger.Logger,
		Rabbit:     rabbitClient,
		Exchange:   cfg.RabbitMQ.Exchange.Name,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
	})

	router := setupRouter(appLogger.Logger, jobClient, cfg.App.Name)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening",
			slog.Int("port", cfg.Server.Port),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("HTTP server error",
			slog.Any("error", err),
		)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server shutdown failed",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Producer service shutdown complete")
	return nil
}

// setupRouter configures and returns the Gin router with all routes
func setupRouter(logger *slog.Logger, jobClient *client.Client, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/jobs", createJobHandler(logger, jobClient))
	}

	return r
}

type createJobRequest struct {
	Name     string          `json:"name" binding:"required"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority"`
}

// createJobHandler handles POST /api/v1/jobs
func createJobHandler(logger *slog.Logger, jobClient *client.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Error("Invalid request body",
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		jobID, err := jobClient.Publish(c.Request.Context(), &client.Job{
			Name:        req.Name,
			Payload:     req.Payload,
			ContentType: "application/json",
			Priority:    parsePriority(req.Priority),
		})
		if err != nil {
			logger.Error("Failed to publish job",
				slog.String("job_name", req.Name),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to publish job",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"job_id": jobID,
			"name":   req.Name,
			"status": "QUEUED",
		})
	}
}

// parsePriority converts the request priority string to a client priority
func parsePriority(s string) client.Priority {
	switch s {
	case "trivial":
		return client.PriorityTrivial
	case "low":
		return client.PriorityLow
	case "high":
		return client.PriorityHigh
	case "critical":
		return client.PriorityCritical
	default:
		return client.PriorityNormal
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/forq/internal/config"
	"github.com/cuongbtq/forq/shared/logger"
	"github.com/cuongbtq/forq/shared/postgresql"
	"github.com/cuongbtq/forq/shared/rabbitmq"
	"github.com/cuongbtq/forq/worker"
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

	defaultConfigPath := os.Getenv("FORQ_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/example-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
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

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Job processes re-run this main to re-establish handlers and managed
	// values, but the broker connection belongs to the supervising worker
	// alone: a job process never consumes or acknowledges anything.
	_, isJobProcess := worker.ExecutorJob()

	var rabbitClient *rabbitmq.Client
	if !isJobProcess {
		rabbitClient, err = rabbitmq.NewClient(cfg.RabbitMQ.BrokerConfig(), appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
	}

	w := worker.New(&worker.Config{
		Logger:   appLogger.Logger,
		Rabbit:   rabbitClient,
		Queue:    cfg.RabbitMQ.Queue.Name,
		PoolSize: cfg.Worker.PoolSize,
	})

	// All Manage and Register calls happen before Run: this same setup code
	// runs again inside every job process, which is how managed values
	// become visible to handlers.
	if cfg.Database.Host != "" {
		dbClient, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		if err := w.Manage("db", dbClient); err != nil {
			return fmt.Errorf("failed to manage database client: %w", err)
		}
	}

	if err := registerHandlers(w); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
		}
		return err
	}

	cancel()

	select {
	case <-errChan:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// registerHandlers binds every job this worker knows how to perform
func registerHandlers(w *worker.Worker) error {
	handlers := []worker.Handler{
		{
			Name:        "send-email",
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			Run:         sendEmail,
		},
		{
			Name:        "record-audit-event",
			Timeout:     10 * time.Second,
			MaxAttempts: 5,
			Run:         recordAuditEvent,
		},
	}

	for _, h := range handlers {
		if err := w.Register(h); err != nil {
			return err
		}
	}
	return nil
}

type sendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// sendEmail is a demonstration handler. A real implementation would talk
// to an SMTP relay or mail API here.
func sendEmail(_ context.Context, payload []byte, _ *worker.Values) error {
	var p sendEmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid send-email payload: %w", err)
	}

	if p.To == "" {
		return fmt.Errorf("send-email payload has no recipient")
	}

	log.Printf("sending email to %s: %s", p.To, p.Subject)
	return nil
}

type auditEventPayload struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
}

// recordAuditEvent persists an audit row using the managed database
// client established during worker setup
func recordAuditEvent(ctx context.Context, payload []byte, values *worker.Values) error {
	var p auditEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid audit event payload: %w", err)
	}

	db, err := worker.Value[*postgresql.Client](values, "db")
	if err != nil {
		return err
	}

	return db.ExecContext(ctx,
		`INSERT INTO audit_events (actor, action, created_at) VALUES ($1, $2, NOW())`,
		p.Actor, p.Action,
	)
}

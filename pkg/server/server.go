// Package server provides the public entry point for initializing the
// Inquest investigation engine.
//
// This package exists in pkg/ (not internal/) so that deployments can import
// it, register their worker capabilities and model adapters, and compose the
// full engine:
//
//	srv, err := server.New(ctx, server.Options{})
//	srv.Workers.Register("logs", "log analysis", 0.6, myLogWorker)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/internal/api"
	"github.com/opskit/inquest/internal/api/handlers"
	"github.com/opskit/inquest/internal/config"
	"github.com/opskit/inquest/internal/coordinator"
	"github.com/opskit/inquest/internal/evaluator"
	"github.com/opskit/inquest/internal/executor"
	"github.com/opskit/inquest/internal/notify"
	"github.com/opskit/inquest/internal/planner"
	"github.com/opskit/inquest/internal/queue"
	"github.com/opskit/inquest/internal/retention"
	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/internal/telemetry"
	"github.com/opskit/inquest/internal/worker"
	"github.com/opskit/inquest/pkg/models"
)

// Options carries the pluggable decision components. Zero values select the
// dependency-free defaults, which keep local development self-contained but
// are no substitute for model-backed adapters in production.
type Options struct {
	Proposer planner.Proposer
	Assessor evaluator.Assessor
}

// Server holds the initialized Inquest engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (PostgreSQL when DATABASE_URL is set,
	// in-memory otherwise).
	Store store.Store

	// Queue is the coordinator message transport.
	Queue queue.Queue

	// Workers is the capability registry. Register capabilities before
	// calling Start.
	Workers *worker.Registry

	// Coordinator routes coordinator messages. Exposed for embedding
	// deployments that drive the engine without a queue.
	Coordinator *coordinator.Coordinator

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	janitor *retention.Janitor
	stops   []func()
}

// New initializes all engine components from environment configuration.
func New(ctx context.Context, opts Options) (*Server, error) {
	return NewWithConfig(ctx, config.Load(), opts)
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("✅ In-memory store initialized")
	}

	var msgQueue queue.Queue
	if cfg.Queue.NATSURL != "" {
		msgQueue, err = queue.ConnectNATS(ctx, cfg.Queue.NATSURL)
		if err != nil {
			dataStore.Close()
			return nil, fmt.Errorf("init queue: %w", err)
		}
		log.Info().Msg("✅ NATS queue initialized")
	} else {
		msgQueue = queue.NewMemoryQueue(cfg.Queue.Buffer)
		log.Info().Msg("✅ In-process queue initialized")
	}

	workers := worker.NewRegistry()

	proposer := opts.Proposer
	if proposer == nil {
		proposer = planner.CapabilityProposer{}
	}
	assessor := opts.Assessor
	if assessor == nil {
		assessor = evaluator.HeuristicAssessor{}
	}

	notifier := notify.NewService()
	if cfg.Notify.WebhookURL != "" {
		notifier.RegisterDriver(notify.NewWebhookDriver(cfg.Notify.WebhookURL, cfg.Notify.Secret))
	}

	plan := planner.New(dataStore, proposer, workers)
	exec := executor.New(dataStore, workers, cfg.Engine.TaskTimeout)
	eval := evaluator.New(dataStore, assessor, notifier, cfg.Engine.ConfidenceThreshold, cfg.Engine.MaxRounds)
	coord := coordinator.New(dataStore, plan, exec, eval, msgQueue)

	log.Info().
		Float64("confidence_threshold", cfg.Engine.ConfidenceThreshold).
		Int("max_rounds", cfg.Engine.MaxRounds).
		Dur("task_timeout", cfg.Engine.TaskTimeout).
		Msg("✅ Engine initialized")

	var janitor *retention.Janitor
	if cfg.Retention.Enabled {
		janitor = retention.NewJanitor(dataStore, cfg.Retention.MaxAge, cfg.Retention.Interval)
		janitor.RegisterArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress))
	}

	h := handlers.New(dataStore, coord, msgQueue, workers)
	router := api.NewRouter(cfg, dataStore, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Queue:        msgQueue,
		Workers:      workers,
		Coordinator:  coord,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		janitor:      janitor,
	}, nil
}

// Start subscribes the coordinator to the three message subjects. Call after
// worker capabilities are registered so dispatched tasks can resolve.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Coordinator.Handler()
	for _, t := range []models.MessageType{models.MessageAlarm, models.MessageExecution, models.MessageReEvaluate} {
		stop, err := s.Queue.Subscribe(ctx, t, handler)
		if err != nil {
			s.stopConsumers()
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
		s.stops = append(s.stops, stop)
	}
	if s.janitor != nil {
		// Stops when ctx is canceled.
		go s.janitor.Start(ctx)
	}
	log.Info().Msg("✅ Coordinator consuming")
	return nil
}

// Close stops the queue consumers and releases the store and transport.
func (s *Server) Close() error {
	s.stopConsumers()
	if err := s.Queue.Close(); err != nil {
		log.Warn().Err(err).Msg("queue close failed")
	}
	return s.Store.Close()
}

func (s *Server) stopConsumers() {
	for _, stop := range s.stops {
		stop()
	}
	s.stops = nil
}

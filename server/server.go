package server

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/compute/metadata"
	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	stdout "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/gabihodoroga/log-pipeline/config"
	"github.com/gabihodoroga/log-pipeline/model"
	"github.com/gabihodoroga/log-pipeline/service"
)

const (
	ingestClientID   = "log-ingest-app"
	dbIngestClientID = "log-db-ingest-app"
)

// components holds everything the configured role runs. Fields of the other role stay nil.
type components struct {
	publisher  model.EventPublisher
	ingest     *service.IngestService
	sink       model.EventSink
	supervisor *service.Supervisor
}

// Start runs the process until SIGINT/SIGTERM or until the consumer stops on a fatal error.
// It returns nil after a clean shutdown.
func Start(logger *zap.Logger, loggerLevel zap.AtomicLevel) error {
	cfg := config.GetConfig()

	// Setup tracer
	tracerShutdown, err := setupTracer(cfg)
	if err != nil {
		return err
	}
	defer tracerShutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// setup the required services
	app, err := newComponents(ctx, cfg)
	if err != nil {
		return err
	}
	if app.publisher != nil {
		defer app.publisher.Close()
	}

	// the supervisor owns the sink and the transport consumer and closes both when it returns
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	supervisorErr := make(chan error, 1)
	if app.supervisor != nil {
		go func() {
			supervisorErr <- app.supervisor.Run(runCtx)
		}()
	}

	h := &handlers{
		publisher: app.publisher,
		sink:      app.sink,
		sinkInfo:  sinkInfo(cfg),
	}
	if app.ingest != nil {
		h.ingest = app.ingest
	}
	if app.supervisor != nil {
		h.stats = app.supervisor
	}
	if finder, ok := app.sink.(model.LogFinder); ok {
		h.finder = finder
	}

	// setup the http server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(h, loggerLevel),
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	serverErr := make(chan error, 1)
	go func() {
		logger.Sugar().Infof("httpServer: listen on address %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var result error
	supervisorDone := app.supervisor == nil
	select {
	case <-ctx.Done():
		logger.Info("httpServer: shutting down gracefully...")
	case err := <-supervisorErr:
		supervisorDone = true
		result = err
		if err != nil {
			logger.Error("supervisor stopped with a fatal error", zap.Error(err))
		}
	case err := <-serverErr:
		result = errors.Wrap(err, "http server failed")
	}

	// stop() must be called here to restore default behavior
	// on the interrupt signal and notify user of shutdown,
	// otherwise user will not be able to stop with ctrl+c anymore.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	// the supervisor performs the final flush before it returns
	cancelRun()
	if !supervisorDone {
		if err := <-supervisorErr; err != nil && result == nil {
			result = err
		}
	}
	logger.Info("httpServer: server exiting...")
	return result
}

// newComponents creates the publisher for the ingest role and the sink, event handler and
// supervisor for the db-ingest role.
func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	app := &components{}

	if cfg.PublishesTransport() {
		publisher, err := newPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		app.publisher = publisher
		app.ingest = service.NewIngestService(publisher, cfg.PublishTimeout)
	}

	if cfg.ConsumesTransport() {
		sink, err := newSink(ctx, cfg)
		if err != nil {
			if app.publisher != nil {
				app.publisher.Close()
			}
			return nil, err
		}
		app.sink = sink
		app.supervisor = service.NewSupervisor(newEventHandler(cfg), sink, service.SupervisorConfig{
			BatchSize:           cfg.BatchSize,
			BatchTimeout:        cfg.BatchTimeout,
			MaxPendingFlushes:   cfg.MaxPendingFlushes,
			FlushTimeout:        cfg.FlushTimeout,
			HealthCheckInterval: cfg.HealthCheckInterval,
			ShutdownTimeout:     cfg.ShutdownTimeout,
		})
	}
	return app, nil
}

func newPublisher(ctx context.Context, cfg *config.Config) (model.EventPublisher, error) {
	switch cfg.Transport {
	case config.TransportPubsub:
		publisher, err := service.NewPubsubPublisher(ctx, cfg.PubsubEmulatorHost, cfg.PubsubProject, cfg.PubsubTopic, cfg.PubsubOrderByApp)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create PubsubPublisher")
		}
		return publisher, nil
	default:
		publisher, err := service.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, clientID(cfg, ingestClientID), cfg.KafkaProduceRetries, cfg.KafkaKeyByApp)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create KafkaPublisher")
		}
		return publisher, nil
	}
}

func newSink(ctx context.Context, cfg *config.Config) (model.EventSink, error) {
	switch cfg.Sink {
	case config.SinkBigQuery:
		sink, err := service.NewEventSinkBigQuery(ctx, cfg.BigQueryProject, cfg.BigQueryDataset, cfg.BigQueryTable)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create EventSinkBigQuery")
		}
		return sink, nil
	default:
		if cfg.DBAutoMigrate {
			if err := service.MigratePostgres(cfg.PostgresURL()); err != nil {
				return nil, err
			}
			zap.L().Info("database migrations applied")
		}
		sink, err := service.NewEventSinkPostgres(ctx, cfg.PostgresURL(), int32(cfg.DBMaxConns))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create EventSinkPostgres")
		}
		return sink, nil
	}
}

func newEventHandler(cfg *config.Config) model.EventHandler {
	switch cfg.Transport {
	case config.TransportPubsub:
		// unacked messages stay outstanding until their batch is flushed
		maxOutstanding := cfg.BatchSize * (cfg.MaxPendingFlushes + 1)
		return service.NewEventHandlerPubsub(cfg.PubsubEmulatorHost, cfg.PubsubProject, cfg.PubSubSubscription, maxOutstanding)
	default:
		return service.NewEventHandlerKafka(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaConsumerGroup, clientID(cfg, dbIngestClientID))
	}
}

// sinkInfo describes the configured sink on /db-status
func sinkInfo(cfg *config.Config) map[string]any {
	if cfg.Sink == config.SinkBigQuery {
		return map[string]any{
			"project": cfg.BigQueryProject,
			"dataset": cfg.BigQueryDataset,
			"table":   cfg.BigQueryTable,
		}
	}
	return map[string]any{
		"host":     cfg.DBHost,
		"port":     cfg.DBPort,
		"database": cfg.DBDatabase,
	}
}

func clientID(cfg *config.Config, fallback string) string {
	if cfg.KafkaClientID != "" {
		return cfg.KafkaClientID
	}
	return fallback
}

// setupTracer exports to Cloud Trace when running on GCE and to stdout when TRACE_STDOUT is set.
// Otherwise the global no-op tracer provider stays in place.
func setupTracer(cfg *config.Config) (func(), error) {
	onGCE := metadata.OnGCE()
	if !onGCE && !cfg.TraceStdout {
		return func() {}, nil
	}
	var projectID string
	if onGCE {
		// infer our project id from the metadata server
		var err error
		projectID, err = metadata.ProjectID()
		if err != nil {
			return nil, errors.Wrap(err, "metadata.ProjectID()")
		}
	}
	// init open telemetry, while allowing us to defer the teardown and flushing of our exporter
	return initTracer(context.Background(), projectID, onGCE, cfg.TraceSample)
}

func initTracer(ctx context.Context, projectID string, onGCE bool, traceSample string) (func(), error) {
	var tpOpts []sdktrace.TracerProviderOption
	// if our code is running on GCP (cloud run/functions/app engine/gke) then we will export directly to cloud tracing
	if onGCE {
		exporter, err := texporter.New(texporter.WithProjectID(projectID))
		if err != nil {
			return nil, errors.Wrap(err, "initTracer: texporter.New()")
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	} else {
		exporter, err := stdout.New(stdout.WithPrettyPrint())
		if err != nil {
			return nil, errors.Wrapf(err, "initTracer: stdout.New()")
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	if traceSample != "" {
		sampleRate, err := strconv.ParseFloat(traceSample, 64)
		if err != nil {
			return nil, errors.Wrap(err, "initTracer: invalid trace sample rate")
		}
		tpOpts = append(tpOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTracerProvider(tp)

	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(propagator)

	return func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			zap.L().Warn("tracerProvider.Shutdown() error", zap.Error(err))
		}
	}, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/agentcore/runtime/config"
	"goa.design/agentcore/runtime/emitter"
	"goa.design/agentcore/runtime/event"
	eventmongo "goa.design/agentcore/runtime/event/mongo"
	eventmongoclient "goa.design/agentcore/runtime/event/mongo/clients/mongo"
	"goa.design/agentcore/runtime/executor"
	"goa.design/agentcore/runtime/pulsenotify"
	pulseclient "goa.design/agentcore/runtime/pulsenotify/clients/pulse"
	"goa.design/agentcore/runtime/registry"
	runindexmongo "goa.design/agentcore/runtime/runindex/mongo"
	runindexmongoclient "goa.design/agentcore/runtime/runindex/mongo/clients/mongo"
	"goa.design/agentcore/runtime/sse"
	"goa.design/agentcore/runtime/telemetry"
	"goa.design/agentcore/runtime/writer"
)

var dbgF bool

func init() {
	serveCmd.Flags().BoolVar(&dbgF, "debug", false, "log request and response bodies, mount pprof handlers")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentcore HTTP and SSE server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if dbgF {
		cfg.Debug = true
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}

	eventClient, err := eventmongoclient.New(eventmongoclient.Options{
		Client:    mongoClient,
		Database:  cfg.MongoDatabase,
		Timeout:   5 * time.Second,
		EventsTTL: cfg.MessageEventsTTL,
	})
	if err != nil {
		return fmt.Errorf("construct event store client: %w", err)
	}
	store, err := eventmongo.NewStore(eventClient)
	if err != nil {
		return fmt.Errorf("construct event store: %w", err)
	}

	indexClient, err := runindexmongoclient.New(runindexmongoclient.Options{
		Client:   mongoClient,
		Database: cfg.MongoDatabase,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("construct run index client: %w", err)
	}
	index, err := runindexmongo.NewStore(indexClient)
	if err != nil {
		return fmt.Errorf("construct run index store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pulseCli, err := pulseclient.New(pulseclient.Options{Redis: redisClient})
	if err != nil {
		return fmt.Errorf("construct pulse client: %w", err)
	}
	notifier := pulsenotify.New(pulseCli)

	telemetryLogger := telemetry.NewClueLogger()
	metrics := telemetry.NewNoopMetrics()

	w := writer.New(writer.Options{
		Store:            store,
		RetrySchedule:    cfg.WriterRetrySchedule,
		FallbackCapacity: cfg.WriterFallbackCapacity,
		Notifier:         notifier,
		Logger:           telemetryLogger,
		Metrics:          metrics,
	})
	defer w.Close()

	reg := registry.New(registry.Options{
		Writer:   w,
		Index:    index,
		GCMaxAge: cfg.RegistryGCMaxAge,
		Logger:   telemetryLogger,
		Metrics:  metrics,
	})
	defer reg.Close()

	srv := &sse.Server{
		Registry:      reg,
		Store:         store,
		Notifier:      notifier,
		AgentFactory:  echoAgentFactory,
		ResumeFactory: echoResumeFactory,
		PollInterval:  cfg.PollInterval,
		MaxWait:       cfg.WatcherMaxWait,
		Logger:        telemetryLogger,
		Metrics:       metrics,
	}

	mux := goahttp.NewMuxer()
	if cfg.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	srv.Mount(mux)

	var handler http.Handler = mux
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
		errc <- httpServer.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Printf(ctx, "received %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shut down HTTP server cleanly: %v", err)
	}
	return nil
}

// echoAgentFactory is a placeholder agent used when no application-specific
// factory has been wired in. It demonstrates the Agent contract: emit
// events through the ambient Emitter, then return.
func echoAgentFactory(_ context.Context, chatID, messageID, content string) executor.Agent {
	return func(ctx context.Context) error {
		emitter.Emit(ctx, event.Partial{
			MessageID: messageID,
			ChatID:    chatID,
			Type:      event.TypeContentStart,
		})
		emitter.Emit(ctx, event.Partial{
			MessageID: messageID,
			ChatID:    chatID,
			Type:      event.TypeContent,
			Data:      &event.ContentPayload{MD: content},
		})
		emitter.Emit(ctx, event.Partial{
			MessageID: messageID,
			ChatID:    chatID,
			Type:      event.TypeContentEnd,
		})
		return nil
	}
}

// echoResumeFactory is a placeholder resume agent used when no
// application-specific factory has been wired in. A real implementation
// would feed action/args back into the reasoning engine at the point it
// paused; this placeholder simply acknowledges the decision and finishes
// the run under the same message_id.
func echoResumeFactory(_ context.Context, chatID, messageID, action, args string) executor.Agent {
	return func(ctx context.Context) error {
		emitter.Emit(ctx, event.Partial{
			MessageID: messageID,
			ChatID:    chatID,
			Type:      event.TypeContentStart,
		})
		emitter.Emit(ctx, event.Partial{
			MessageID: messageID,
			ChatID:    chatID,
			Type:      event.TypeContent,
			Data:      &event.ContentPayload{MD: fmt.Sprintf("resumed: %s %s", action, args)},
		})
		emitter.Emit(ctx, event.Partial{
			MessageID: messageID,
			ChatID:    chatID,
			Type:      event.TypeContentEnd,
		})
		return nil
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/replicate/director/internal/director"
	"github.com/replicate/director/internal/events"
	"github.com/replicate/director/internal/health"
	"github.com/replicate/director/internal/logging"
	"github.com/replicate/director/internal/monitor"
	"github.com/replicate/director/internal/queue"
	"github.com/replicate/director/internal/server"
	"github.com/replicate/director/internal/tasks"
	"github.com/replicate/director/internal/trace"
	"github.com/replicate/director/internal/version"
	"github.com/replicate/director/internal/worker"
)

const (
	sidecarURL        = "http://localhost:5000"
	ingressWebhookURL = "http://localhost:4900/webhook"

	eventBusCapacity  = 128
	taskQueueCapacity = 64
)

type CLI struct {
	WorkerID        string `help:"Identifier used when reporting to the dispatcher" name:"worker-id" env:"DIRECTOR_WORKER_ID"`
	Queue           string `help:"Queue to consume prediction requests from" required:""`
	ConsumeTimeout  int    `help:"Idle seconds before re-checking the queue assignment" name:"consume-timeout" default:"30"`
	PredictTimeout  int    `help:"Maximum prediction runtime in seconds (0 disables)" name:"predict-timeout" default:"1800"`
	MaxFailureCount int    `help:"Maximum number of consecutive failures before the worker should exit (0 disables)" name:"max-failure-count" default:"5"`
	RedisURL        string `help:"Redis URL to consume from" name:"redis-url" required:""`
	ReportURL       string `help:"Dispatcher base URL for worker lifecycle reports" name:"report-url"`
	ReportKey       string `help:"Bearer token for dispatcher requests" name:"report-key" env:"REPORT_AUTH_TOKEN"`
}

func (cli *CLI) Run() error {
	baseLogger := logging.New("director")
	log := baseLogger.Logger

	log.Info("starting director",
		zap.String("version", version.Version()),
		zap.String("queue", cli.Queue),
		zap.Int("pid", os.Getpid()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traceShutdown, err := trace.Setup(ctx)
	if err != nil {
		log.Warn("failed to set up trace export", zap.Error(err))
	}

	bus := events.NewBus(eventBusCapacity, baseLogger)

	executor := tasks.NewExecutor(taskQueueCapacity, baseLogger)
	executor.Start()

	mon := monitor.New()

	srv := server.New(server.DefaultPort, server.NewHandler(bus, mon, baseLogger), mon, baseLogger)
	srv.Start()

	checker := health.NewChecker(bus, sidecarURL+"/health-check", baseLogger)
	checker.Start()

	w := worker.New(cli.Queue, cli.WorkerID, cli.ReportURL, cli.ReportKey, executor, baseLogger)
	w.Start()

	consumer, err := queue.NewConsumer(cli.RedisURL, cli.WorkerID, baseLogger)
	if err != nil {
		return err
	}

	d := director.New(bus, checker, w, consumer, mon, executor, director.Config{
		SidecarURL:        sidecarURL,
		IngressWebhookURL: ingressWebhookURL,
		ConsumeTimeout:    time.Duration(cli.ConsumeTimeout) * time.Second,
		PredictTimeout:    time.Duration(cli.PredictTimeout) * time.Second,
		MaxFailureCount:   cli.MaxFailureCount,
	}, baseLogger)

	d.RegisterShutdownHook(checker.Stop)
	d.RegisterShutdownHook(srv.Stop)
	d.RegisterShutdownHook(w.Stop)
	d.RegisterShutdownHook(executor.Stop)
	d.RegisterShutdownHook(func() { _ = consumer.Close() })

	runErr := d.Start(ctx)

	checker.Join()
	srv.Join()
	w.Join()
	executor.Join()

	if traceShutdown != nil {
		if err := traceShutdown(context.Background()); err != nil {
			log.Warn("failed to flush trace spans", zap.Error(err))
		}
	}

	if runErr != nil && !errors.Is(runErr, director.ErrAborted) {
		return runErr
	}
	return nil
}

func main() {
	// We are probably running as PID 1, so register a handler to die on
	// early signals. The director installs its graceful handlers on start.
	early := make(chan os.Signal, 1)
	signal.Notify(early, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-early
		if ok {
			fmt.Fprintf(os.Stderr, "caught early %s: exiting immediately!\n", sig)
			os.Exit(1)
		}
	}()

	var cli CLI
	ktx := kong.Parse(&cli,
		kong.Name("director"),
		kong.Description("Queue-driven supervisor for a cog model server."),
		kong.UsageOnError(),
	)

	signal.Stop(early)
	close(early)

	if err := ktx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Package main provides the backplane service entrypoint.
//
// Usage:
//
//	backplane serve --config <path>
//
// One process runs everything: the operator HTTP surface, the delivery
// worker pool, the leader election loop, and (on the leader) the cron
// scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/config"
	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/dispatch"
	"github.com/zral/mongo-crud-api-sub001/election"
	"github.com/zral/mongo-crud-api-sub001/iox"
	"github.com/zral/mongo-crud-api-sub001/lock"
	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/metrics"
	"github.com/zral/mongo-crud-api-sub001/retryq"
	"github.com/zral/mongo-crud-api-sub001/sandbox"
	"github.com/zral/mongo-crud-api-sub001/sched"
	"github.com/zral/mongo-crud-api-sub001/server"
	"github.com/zral/mongo-crud-api-sub001/store"
	"github.com/zral/mongo-crud-api-sub001/types"
	"github.com/zral/mongo-crud-api-sub001/webhook"
)

func main() {
	app := &cli.App{
		Name:    "backplane",
		Usage:   "reaction backplane - webhooks, scripts, and cron over document mutations",
		Version: types.Version,
		Commands: []*cli.Command{
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the backplane service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Value:   "backplane.yaml",
				EnvVars: []string{"BACKPLANE_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := serve(cfg); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

// serve wires every component leaf-first and runs until a signal arrives.
func serve(cfg *config.Config) error {
	logger := log.NewLogger(cfg.InstanceID)
	defer iox.DiscardErr(logger.Sync)

	logger.Info("starting backplane",
		zap.String("version", types.Version),
		zap.String("instance_id", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One coordination client, shared by reference, closed once.
	coordClient, err := coord.New(cfg.CoordinationStoreURL)
	if err != nil {
		return err
	}
	defer func() { _ = coordClient.Close() }()
	if err := coordClient.Ping(ctx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	m := metrics.New(cfg.InstanceID)
	locks := lock.NewManager(coordClient, logger, cfg.InstanceID)

	box := sandbox.New(logger, sandbox.Config{
		Timeout:    cfg.Script.ExecutionTimeout.Duration,
		APIBaseURL: cfg.Script.APIBaseURL,
	})

	queue := webhook.NewQueue(coordClient, logger)
	pipeline := webhook.NewPipeline(logger, st, queue)
	workers := webhook.NewWorkers(logger, webhook.WorkerConfig{
		InstanceID:        cfg.InstanceID,
		Concurrency:       cfg.Webhook.ProcessingConcurrency,
		HTTPTimeout:       cfg.Webhook.Timeout.Duration,
		LockTTL:           cfg.Scaling.LockTTL.Duration,
		MaxRetries:        cfg.Webhook.MaxRetries,
		RetryDelay:        cfg.Webhook.RetryDelay.Duration,
		MaxRetryDelay:     cfg.Webhook.MaxRetryDelay.Duration,
		BackoffMultiplier: cfg.Webhook.RateLimit.BackoffMultiplier,
		RateLimit:         cfg.Webhook.RateLimit.DefaultMaxRPM,
		Window:            cfg.Webhook.RateLimit.Window.Duration,
		ReclaimInterval:   cfg.Scaling.LockCleanupInterval.Duration,
	}, queue, st, coordClient, m)

	dispatcher := dispatch.New(logger, dispatch.Config{
		InstanceID:       cfg.InstanceID,
		ScriptMaxRetries: cfg.Script.MaxRetries,
		ScriptRetryBackoff: retryq.Backoff{
			Base:       cfg.Webhook.RetryDelay.Duration,
			Max:        cfg.Webhook.MaxRetryDelay.Duration,
			Multiplier: cfg.Webhook.RateLimit.BackoffMultiplier,
		},
	}, st, pipeline, box, m)

	engine := sched.New(logger, sched.Config{
		InstanceID:  cfg.InstanceID,
		LockTTL:     cfg.Scaling.MaxScriptExecutionTime.Duration,
		LeaderGated: cfg.CronLeaderGated(),
	}, st, box, coordClient, m)

	elector := election.New("backplane", locks, logger, election.Config{
		TTL:           cfg.Scaling.LockTTL.Duration,
		RenewInterval: cfg.Scaling.LeadershipRenewalInterval.Duration,
	})

	srv := server.New(logger, server.Config{
		Listen:     cfg.Listen,
		InstanceID: cfg.InstanceID,
	}, st, engine, elector, locks, coordClient, queue, dispatcher, m)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := workers.Run(ctx); err != nil {
			logger.Error("delivery workers failed", zap.Error(err))
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	// Cron follows leadership in gated mode; otherwise it runs locally
	// from boot.
	if cfg.CronLeaderGated() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			followLeadership(ctx, logger, elector, engine, m)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			elector.Run(ctx)
		}()
	} else {
		if err := engine.Start(ctx); err != nil {
			logger.Error("local cron start failed", zap.Error(err))
		}
	}

	err = srv.Run(ctx)

	// Shutdown order: the server has stopped admitting; stop cron and
	// leadership so another instance can take over, then drain workers.
	engine.Stop()
	if cfg.CronLeaderGated() {
		elector.Stop()
	}
	stop()
	wg.Wait()
	dispatcher.Close()

	logger.Info("backplane stopped")
	return err
}

// followLeadership starts and stops the cron engine on leadership
// transitions.
func followLeadership(ctx context.Context, logger *log.Logger, elector *election.Elector, engine *sched.Engine, m *metrics.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-elector.Events():
			if !ok {
				return
			}
			switch state {
			case election.Acquired:
				m.Leadership.Set(1)
				if err := engine.Start(ctx); err != nil {
					logger.Error("cron start on leadership failed", zap.Error(err))
				}
			case election.Lost, election.Resigned:
				m.Leadership.Set(0)
				engine.Stop()
			}
		}
	}
}

// openStore connects the document store, falling back to the in-memory
// store when no URL is configured.
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (store.Store, error) {
	if cfg.DocumentStoreURL == "" {
		logger.Warn("no document store configured, using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewMongo(ctx, cfg.DocumentStoreURL, cfg.Database)
}

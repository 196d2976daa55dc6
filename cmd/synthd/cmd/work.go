package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dverbeek/synthd/pkg/admission"
	"github.com/dverbeek/synthd/pkg/engine"
	"github.com/dverbeek/synthd/pkg/events"
	"github.com/dverbeek/synthd/pkg/graph"
	"github.com/dverbeek/synthd/pkg/monitor"
	"github.com/dverbeek/synthd/pkg/queue"
	"github.com/dverbeek/synthd/pkg/shutdown"
	"github.com/dverbeek/synthd/pkg/store"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the worker pool that executes queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}

		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)

		adm := admission.NewRedisController(redisClient, cfg.InflightLimit, cfg.InflightTTL)
		q := queue.NewRedisQueue(redisClient, cfg.QueueName)
		b := events.NewBroadcaster(st, logger)

		client := engine.NewClient(cfg.EngineBaseURL, logger)
		eng := monitor.WrapEngine(client)

		templates, err := graph.LoadTemplates(cfg.TemplateDir, cfg.TemplateTiers)
		if err != nil {
			return fmt.Errorf("loading templates: %w", err)
		}
		compiler := graph.NewCompiler(templates, cfg.TemplateTiers, logger)

		mon := monitor.New(eng, st, b, logger)
		runner := monitor.NewRunner(compiler, mon, eng, st, b, logger,
			cfg.EngineInputDir, cfg.OutputDirPrefix)

		// Concurrency follows the engine's device count unless pinned.
		workers := cfg.WorkerConcurrency
		if workers <= 0 {
			probe, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			workers = client.DeviceCount(probe) * cfg.JobsPerDevice
			cancel()
		}

		dispatcher := queue.NewDispatcher(q, st, adm, runner, b, logger, workers)

		ctx, cancelWorkers := context.WithCancel(context.Background())
		dispatcher.Start(ctx)

		mgr := shutdown.New(60*time.Second, logger)
		mgr.Register(shutdown.CloseResource(st, "store"))
		mgr.Register(shutdown.CloseResource(redisClient, "redis"))
		mgr.Register(func(shutdownCtx context.Context) error {
			cancelWorkers()
			done := make(chan struct{})
			go func() {
				dispatcher.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-shutdownCtx.Done():
				return fmt.Errorf("timeout draining workers: %w", shutdownCtx.Err())
			}
		})

		logger.Info("worker pool started", map[string]interface{}{"workers": workers})
		mgr.Wait()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workCmd)
}

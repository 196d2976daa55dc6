package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dverbeek/synthd/pkg/admission"
	"github.com/dverbeek/synthd/pkg/api"
	"github.com/dverbeek/synthd/pkg/engine"
	"github.com/dverbeek/synthd/pkg/events"
	"github.com/dverbeek/synthd/pkg/metrics"
	"github.com/dverbeek/synthd/pkg/queue"
	"github.com/dverbeek/synthd/pkg/shutdown"
	"github.com/dverbeek/synthd/pkg/store"
	"github.com/dverbeek/synthd/pkg/uploads"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
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
		eng := engine.NewClient(cfg.EngineBaseURL, logger)
		saver := uploads.NewSaver(cfg.EngineInputDir, cfg.UploadSubdir, st, logger)

		handler := api.NewHandler(st, q, adm, b, saver, eng, logger, cfg)
		router := mux.NewRouter()
		handler.RegisterRoutes(router)
		router.Handle("/metrics", metrics.Handler()).Methods("GET")

		server := &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		mgr := shutdown.New(30*time.Second, logger)
		mgr.Register(shutdown.CloseResource(st, "store"))
		mgr.Register(shutdown.CloseResource(redisClient, "redis"))
		mgr.Register(shutdown.StopHTTPServer(server, "api"))

		go func() {
			logger.Info("api server listening", map[string]interface{}{"addr": cfg.Addr()})
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("api server failed", map[string]interface{}{"error": err.Error()})
			}
		}()

		mgr.Wait()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

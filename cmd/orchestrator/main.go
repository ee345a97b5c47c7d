// Command orchestrator serves the HTTP trigger/control surface, runs
// worker pools, or applies migrations, mirroring the teacher's
// cmd/server cobra/viper layout.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowmill/orchestrator/internal/config"
	"github.com/flowmill/orchestrator/internal/db"
	"github.com/flowmill/orchestrator/internal/httpapi"
	"github.com/flowmill/orchestrator/internal/resolver"
	"github.com/flowmill/orchestrator/pkg/handlers"
	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/runner"
	"github.com/flowmill/orchestrator/pkg/store"
	"github.com/flowmill/orchestrator/pkg/worker"
)

func main() {
	config.Init()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Durable workflow orchestrator",
	Long: `orchestrator runs the durable execution subsystem: the
persistent store, the atomic claim primitive, the step interpreter, the
retry scheduler, and the dead-letter queue.

It consumes already-validated, version-pinned workflow definitions and
executes instances of them ("executions") with at-most-once step
completion per attempt, bounded retries, and restart-safe resumption.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger/control surface",
	Long: `Start the HTTP server that accepts submit_event/cancel
requests and serves execution/DLQ queries (spec §6's inbound
contract). Does not claim or run executions itself — run 'orchestrator
worker' alongside it for that.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a worker pool",
	Long: `Start a long-lived poll loop that claims batches of
executions and advances them through their pinned definitions under a
concurrency cap (spec §4.7), with heartbeats and a stale-lock sweeper.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := db.Connect(db.DefaultConfig(config.DatabaseURL()))
		if err != nil {
			return err
		}
		defer conn.Close()
		log.Println("migrations up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(migrateCmd)

	serveCmd.Flags().StringP("port", "p", "8080", "port to listen on")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))

	workerCmd.Flags().IntP("concurrency", "c", 3, "maximum in-flight executions per worker")
	viper.BindPFlag("worker.concurrency", workerCmd.Flags().Lookup("concurrency"))
}

// newResolver seeds an in-process definition resolver with the demo
// workflows used by spec §8's end-to-end scenarios (S1, S6). A
// production deployment points DefinitionResolver at the real
// authoring/versioning collaborator instead (spec §1/§6).
func newResolver() *resolver.Memory {
	m := resolver.NewMemory()
	for _, def := range demoWorkflows() {
		if err := m.Register(def); err != nil {
			log.Printf("orchestrator: failed to register demo workflow %s: %v", def.Name, err)
		}
	}
	return m
}

func newRunner(st store.Store) *runner.Runner {
	registry := interpreter.NewRegistry()
	handlers.RegisterBuiltins(registry)

	return &runner.Runner{
		Store:       st,
		Interpreter: interpreter.New(registry),
		Resolver:    newResolver(),
		Defaults: runner.RetryDefaults{
			MaxAttempts: config.LoadRetry().DefaultMaxAttempts,
			BaseDelayMS: config.LoadRetry().DefaultBaseDelayMS,
			Multiplier:  2,
			MaxDelayMS:  config.LoadRetry().DefaultMaxDelayMS,
		},
	}
}

func runServe() error {
	conn, err := db.Connect(db.DefaultConfig(config.DatabaseURL()))
	if err != nil {
		return err
	}
	defer conn.Close()

	st := store.NewPostgres(conn)
	h := &httpapi.Handlers{Store: st, Resolver: newResolver()}
	router := httpapi.NewRouter(h)

	srv := &http.Server{
		Addr:         ":" + config.ServerPort(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("orchestrator serve: listening on :%s", config.ServerPort())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("orchestrator serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("orchestrator serve: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWorker() error {
	conn, err := db.Connect(db.DefaultConfig(config.DatabaseURL()))
	if err != nil {
		return err
	}
	defer conn.Close()

	st := store.NewPostgres(conn)
	wc := config.LoadWorker()
	cfg := worker.DefaultConfig()
	cfg.Concurrency = wc.Concurrency
	cfg.PollInterval = wc.PollInterval
	cfg.StaleLockThreshold = wc.StaleLockThreshold

	pool := worker.New(st, newRunner(st), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("orchestrator worker: shutting down")
		cancel()
	}()

	return pool.Run(ctx)
}

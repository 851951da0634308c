// Command ollamapool runs the local Ollama inference worker pool manager:
// it spawns and supervises a pool of "ollama serve" subprocesses, scales
// the pool under load, and exposes a single HTTP entry point that load
// balances requests across the live workers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollamapool/cluster/internal/config"
	"github.com/ollamapool/cluster/internal/controlloop"
	"github.com/ollamapool/cluster/internal/dispatcher"
	"github.com/ollamapool/cluster/internal/httpapi"
	"github.com/ollamapool/cluster/internal/logging"
	"github.com/ollamapool/cluster/internal/metrics"
	"github.com/ollamapool/cluster/internal/supervisor"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ollamapool",
	Short: "Local Ollama inference worker pool manager",
	Long: `ollamapool supervises a pool of local Ollama inference subprocesses,
auto-scaling it under load and load-balancing dispatched requests across
the live workers.`,
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "clusterconfig.json", "path to the cluster configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.WithComponent("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sup := supervisor.New(cfg)
	sup.InitialFill()

	watcher, err := config.NewWatcher(configPath, sup.Reload)
	if err != nil {
		logger.Warn().Err(err).Msg("config hot-reload disabled: failed to start watcher")
	} else {
		defer watcher.Close()
	}

	loop := controlloop.New(sup)
	loop.Start()
	defer loop.Stop()

	dispatch := dispatcher.New(sup)
	reg := metrics.New()
	api := httpapi.New(sup, dispatch, reg, cfg.DocsURL)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("control plane listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErrCh:
		return fmt.Errorf("control plane failed to bind: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	loop.Stop()
	sup.Shutdown()

	return nil
}

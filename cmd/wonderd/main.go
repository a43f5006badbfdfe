// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// wonderd is the workflow coordinator daemon: it loads workflow
// definitions, runs workflows on request and reports progress to the
// configured sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ronkeiser/wonder/internal/config"
	"github.com/ronkeiser/wonder/internal/coordinator"
	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/dispatch"
	"github.com/ronkeiser/wonder/internal/log"
	"github.com/ronkeiser/wonder/internal/metrics"
	"github.com/ronkeiser/wonder/internal/observability"
	"github.com/ronkeiser/wonder/internal/plan"
	"github.com/ronkeiser/wonder/internal/rpc"
	"github.com/ronkeiser/wonder/internal/trace"
)

// Version information (injected via ldflags at build time).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wonderd",
		Short:         "Wonder workflow coordinator daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept snake_case spellings of kebab-case flags.
	root.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wonderd %s (commit: %s)\n", version, commit)
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath   string
		listen       string
		workflowsDir string
		dataDir      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if workflowsDir != "" {
				cfg.Workflows.Dir = workflowsDir
			}
			if dataDir != "" {
				cfg.Runs.DataDir = dataDir
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "API listen address")
	cmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "Directory holding workflow definition files")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for per-run databases (empty keeps runs in memory)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logCfg := log.FromEnv()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	if cfg.Log.Source {
		logCfg.AddSource = true
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var provider *observability.Provider
	if cfg.Tracing.Enabled {
		var err error
		provider, err = observability.New(ctx, observability.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", log.Error(err))
			}
		}()
	}

	defs, err := def.NewCache(def.NewLoader(cfg.Workflows.Dir), log.WithComponent(logger, "definitions"))
	if err != nil {
		return fmt.Errorf("initializing definition cache: %w", err)
	}
	defer defs.Close()

	var executor dispatch.ExecutorClient
	if cfg.Executor.Endpoint != "" {
		executor = dispatch.NewHTTPExecutor(cfg.Executor.Endpoint, cfg.Executor.RatePerSecond, cfg.Executor.Burst, cfg.Executor.Timeout)
	}

	var sink trace.Sink = trace.NopSink{}
	if cfg.Sink.Endpoint != "" {
		sink = trace.NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Timeout)
	}

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	registry := coordinator.NewRegistry(coordinator.RegistryConfig{
		Definitions: defs,
		Executor:    executor,
		Sink:        sink,
		Logger:      logger,
		Metrics:     met,
		Retry:       plan.RetryPolicy{MaxRetries: cfg.Runs.MaxRetries},
		DataDir:     cfg.Runs.DataDir,
	})
	defer registry.Close()

	api := rpc.NewServer(registry, log.WithComponent(logger, "rpc"), promReg, rpcTracer(provider))

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("wonderd listening", slog.String("addr", cfg.Server.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

func rpcTracer(provider *observability.Provider) oteltrace.Tracer {
	if provider == nil {
		return nil
	}
	return provider.Tracer("wonderd/rpc")
}

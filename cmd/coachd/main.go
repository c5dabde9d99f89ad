// spendcoach daemon - HTTP API, event worker and maintenance jobs
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
	"golang.org/x/sync/errgroup"

	"github.com/quantumlife/spendcoach/internal/api"
	"github.com/quantumlife/spendcoach/internal/app"
	"github.com/quantumlife/spendcoach/internal/config"
	"github.com/quantumlife/spendcoach/internal/logging"
	"github.com/quantumlife/spendcoach/internal/scheduler"
)

var (
	configPath string
	port       int
	host       string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "coachd",
		Short:        "spendcoach daemon - behavioral spending interventions",
		RunE:         runDaemon,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "config file (.yaml or .json)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	rootCmd.Flags().StringVar(&host, "host", "", "HTTP host (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}

	log := logging.WithField("component", "coachd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := api.NewEventHub()
	a.Bus.Subscribe(hub)

	var metricsHandler http.Handler
	if a.Metrics != nil {
		metricsHandler = a.Metrics.Handler()
	}
	srvCfg := api.Config{
		Addr:           cfg.Server.Addr(),
		Engine:         a.Engine,
		Transactions:   a.Store,
		Metrics:        metricsHandler,
		Hub:            hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout.D(),
	}
	if a.Ledger != nil {
		srvCfg.Ledger = a.Ledger
	}
	server, err := api.New(srvCfg)
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.NewScheduler(scheduler.Config{Timezone: cfg.Scheduler.Timezone})
		if err != nil {
			return err
		}
		var verifier scheduler.ChainVerifier
		if a.Ledger != nil {
			verifier = a.Ledger
		}
		if err := scheduler.RegisterJobs(sched, cfg.Scheduler.Jobs(), a.Engine, verifier); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Bus.Run(gctx)
	})

	if sched != nil {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	g.Go(server.Start)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	log.Info("spendcoach running on http://%s (storage: %s)", cfg.Server.Addr(), cfg.Storage.Backend)
	if err := g.Wait(); err != nil {
		return err
	}
	// The bus flushes on cancel; anything emitted during shutdown is drained here
	a.Flush(context.Background())
	return nil
}

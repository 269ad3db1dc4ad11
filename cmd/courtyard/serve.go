package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/courtyard-app/courtyard/internal/event"
	"github.com/courtyard-app/courtyard/internal/log"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/outdir"
	"github.com/courtyard-app/courtyard/internal/server"
	"github.com/courtyard-app/courtyard/internal/service"
)

var flagListen string

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "address to listen on, default is service.listen from config")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the HTTP API and the event stream for the desktop UI",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("courtyard",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broker := event.NewBroker()
	defer broker.Close()
	outputs := outdir.New()
	sup := service.NewSupervisor(ctx, config,
		service.WithEmitter(broker),
		service.WithMetrics(service.NewMetrics(reg)),
		service.WithOutputs(outputs),
	)
	// runs are stopped by ctx, wait for their terminal events
	defer sup.Close()

	addr := flagListen
	if addr == "" {
		addr = config.ListenAddr()
	}

	g, ctx := errgroup.WithContext(ctx)
	if config.Sweep != nil && config.Sweep.Enabled {
		sweeper, err := newSweeper(ctx, outputs, sup)
		if err != nil {
			return err
		}
		g.Go(func() error {
			sweeper.Start(ctx)
			return nil
		})
	}
	g.Go(func() error {
		return server.New(sup, broker, reg).ListenAndServe(ctx, addr)
	})
	return g.Wait()
}

func newSweeper(ctx context.Context, outputs *outdir.Manager, sup *service.Supervisor) (*outdir.Sweeper, error) {
	sched, err := model.ParseSchedule(config.Sweep)
	if err != nil {
		return nil, err
	}
	minAge, err := config.SweepMinAge()
	if err != nil {
		return nil, fmt.Errorf("parsing sweep.min_age: %w", err)
	}
	slog.DebugContext(ctx, "sweeping orphaned staging directories", "cron", sched.Cron, "every", sched.Every, "min_age", minAge)
	return outdir.NewSweeper(ctx, outputs, sched, minAge, sup.DatasetRoots)
}

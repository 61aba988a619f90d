package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gustycube/osintd/internal/config"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/metrics"
	"github.com/gustycube/osintd/internal/telemetry"
	"github.com/gustycube/osintd/internal/types"
)

// withApp loads config, installs tracing and signal handling, builds the
// node and hands it to fn.
func withApp(cmd *cobra.Command, overrides map[string]interface{}, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint: cfg.OTELEndpoint,
		Insecure: cfg.OTELInsecure,
		Service:  cfg.OTELService,
		Version:  version,
		Node:     cfg.Node,
	})
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// sourcesFunc re-reads the config file before each cycle so source edits
// apply without a restart. A broken file keeps the last good list.
func sourcesFunc(a *app) func() []types.SourceConfig {
	current := a.cfg.EnabledSources()
	path := viper.GetString("config")
	return func() []types.SourceConfig {
		if path == "" {
			return current
		}
		cfg, err := config.LoadFromFile(path)
		if err != nil {
			a.log.Warnw("config reload failed, keeping previous sources", "file", path, "err", err)
			return current
		}
		current = cfg.EnabledSources()
		return current
	}
}

func runCmd() *cobra.Command {
	var (
		once         bool
		concurrency  int
		interval     int
		metricsAddr  string
		otelEndpoint string
		otelInsecure bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run collection cycles on a schedule and serve the query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]interface{}{
				"concurrency":   concurrency,
				"interval":      interval,
				"metrics_addr":  metricsAddr,
				"otel_endpoint": otelEndpoint,
			}
			if cmd.Flags().Changed("otel-insecure") {
				overrides["otel_insecure"] = otelInsecure
			}
			return withApp(cmd, overrides, func(ctx context.Context, a *app) error {
				sctx, stop := context.WithCancel(ctx)
				defer stop()
				var wait func()
				if !once {
					wait = a.serveHTTP(sctx, a.cfg.MetricsAddr)
				}
				a.health.SetReady(true)
				a.log.Infow("starting osintd",
					"node", a.cfg.Node,
					"interval", a.cfg.CycleInterval(),
					"concurrency", a.cfg.Concurrency,
					"once", once,
				)

				var last types.CycleSummary
				a.pipeline.Schedule(ctx, a.cfg.CycleInterval(), once, sourcesFunc(a), func(sum types.CycleSummary) {
					last = sum
				})
				a.health.SetReady(false)
				stop()
				if wait != nil {
					wait()
				}
				if once {
					return printSummary(last)
				}
				a.log.Infow("shutdown complete")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "processing workers")
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between cycles")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for the API, metrics and health")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port)")
	cmd.Flags().BoolVar(&otelInsecure, "otel-insecure", false, "OTLP without TLS")
	return cmd
}

func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Collect every source once and seed the work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, nil, func(ctx context.Context, a *app) error {
				q, closeQ, err := a.workQueue(ctx)
				if err != nil {
					return err
				}
				defer closeQ()
				sum, seeded, err := a.pipeline.Seed(ctx, q, a.cfg.EnabledSources())
				if err != nil {
					return err
				}
				if _, err := a.notifier.Redeliver(ctx); err != nil {
					a.log.Warnw("redelivery incomplete", "err", err)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"summary": sum, "seeded": seeded})
				}
				if err := printSummary(sum); err != nil {
					return err
				}
				fmt.Printf("seeded %d items onto %s\n", seeded, a.cfg.RedisQueueKey)
				return nil
			})
		},
	}
}

func workerCmd() *cobra.Command {
	var (
		concurrency  int
		metricsAddr  string
		requeueEvery time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process items leased from the work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]interface{}{"concurrency": concurrency, "metrics_addr": metricsAddr}
			return withApp(cmd, overrides, func(ctx context.Context, a *app) error {
				q, closeQ, err := a.workQueue(ctx)
				if err != nil {
					return err
				}
				defer closeQ()

				if a.cfg.MetricsAddr != "" {
					go metrics.ServeWithHealth(a.cfg.MetricsAddr, a.health, a.log)
				}
				go redeliverLoop(ctx, a, a.cfg.LeaseTTL())

				a.health.SetReady(true)
				a.log.Infow("worker started", "node", a.cfg.Node, "concurrency", a.cfg.Concurrency)
				a.pipeline.Work(ctx, q, requeueEvery)
				a.log.Infow("worker stopped")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "processing workers")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for metrics and health")
	cmd.Flags().DurationVar(&requeueEvery, "requeue-every", 0, "stale lease sweep interval (default lease ttl)")
	return cmd
}

func redeliverLoop(ctx context.Context, a *app, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := a.notifier.Redeliver(ctx); err != nil && ctx.Err() == nil {
				a.log.Warnw("redelivery incomplete", "delivered", n, "err", err)
			}
		}
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API without collecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, map[string]interface{}{"metrics_addr": addr}, func(ctx context.Context, a *app) error {
				wait := a.serveHTTP(ctx, a.cfg.MetricsAddr)
				a.health.SetReady(true)
				<-ctx.Done()
				wait()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	return cmd
}

func redeliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeliver",
		Short: "Retry notifications that some sink has not accepted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, nil, func(ctx context.Context, a *app) error {
				n, err := a.notifier.Redeliver(ctx)
				if viper.GetBool("json") {
					if perr := printJSON(map[string]any{"delivered": n}); perr != nil {
						return perr
					}
				} else {
					fmt.Printf("delivered %d notifications\n", n)
				}
				return err
			})
		},
	}
}

func sourcesCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, nil, func(ctx context.Context, a *app) error {
				var up map[string]bool
				if check {
					up = a.checkSources(ctx)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"sources": a.cfg.Sources, "reachable": up})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				header := table.Row{"Name", "Type", "Endpoint", "Enabled", "Rate limit"}
				if check {
					header = append(header, "Reachable")
				}
				tw.AppendHeader(header)
				for _, s := range a.cfg.Sources {
					row := table.Row{s.Name, s.Type, s.Endpoint, s.IsEnabled(), s.RateLimit}
					if check {
						reachable, checked := up[s.Name]
						if !checked {
							row = append(row, "-")
						} else {
							row = append(row, reachable)
						}
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check each enabled source")
	return cmd
}

func printSummary(sum types.CycleSummary) error {
	if viper.GetBool("json") {
		return printJSON(sum)
	}
	renderSummary(os.Stdout, sum)
	return nil
}

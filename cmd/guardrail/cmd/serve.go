package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/api"
	"github.com/rustyeddy/guardrail/internal/dayroll"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admission engine and operator API",
	Long: `Start the admission engine with the configured policy, the operator HTTP
API and /metrics. The daily loss resets at local midnight when dayroll is
enabled.

Example:
  guardrail serve -c guardrail.yaml --addr 127.0.0.1:9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override server.addr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, err := newRuntime(cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Dayroll.Enabled {
		loc, err := cfg.Dayroll.Location()
		if err != nil {
			return err
		}
		roller := dayroll.New(loc, rt.engine, log.Named("dayroll"))
		go runDayroll(ctx, roller, log)
	}

	log.Info("guardrail starting",
		zap.String("version", version),
		zap.Bool("dry_run", cfg.Engine.DryRun),
		zap.String("journal", cfg.Journal.Type),
	)

	srv := api.NewServer(api.Options{
		Gate:     rt.gate,
		Paper:    rt.paper,
		Gatherer: reg,
		Logger:   log.Named("api"),
	})
	return srv.Run(ctx, cfg.Server.Addr)
}

type dayRunner interface {
	Run(ctx context.Context) error
}

func runDayroll(ctx context.Context, r dayRunner, log *zap.Logger) {
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("day rollover stopped", zap.Error(err))
	}
}

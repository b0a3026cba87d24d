package cmd

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/broker"
	"github.com/rustyeddy/guardrail/config"
	"github.com/rustyeddy/guardrail/journal"
	"github.com/rustyeddy/guardrail/metrics"
	"github.com/rustyeddy/guardrail/risk"
)

// runtime is the wired engine and its collaborators.
type runtime struct {
	engine  *risk.Engine
	gate    *broker.Gate
	paper   *broker.Paper
	journal journal.Journal
	sink    *metrics.Prometheus
}

// newRuntime builds the engine from cfg. reg may be nil to skip metrics.
func newRuntime(cfg *config.Config, log *zap.Logger, reg *prometheus.Registry) (*runtime, error) {
	rt := &runtime{}

	opts := risk.Options{
		Policy: &cfg.Policy,
		Logger: log.Named("engine"),
		DryRun: cfg.Engine.DryRun,
	}
	if cfg.Engine.CanarySeed != 0 {
		opts.Rand = risk.NewSeededRand(cfg.Engine.CanarySeed)
	}
	if reg != nil {
		rt.sink = metrics.NewPrometheus(reg, cfg.Metrics.Buffer, log.Named("metrics"))
		opts.Metrics = rt.sink
	}

	e, err := risk.NewEngine(opts)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.engine = e

	j, err := journal.Open(cfg.Journal.Options())
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	rt.journal = j

	rt.paper = broker.NewPaper(nil, nil)
	rt.gate, err = broker.NewGate(broker.GateOptions{
		Engine:  e,
		Broker:  rt.paper,
		Journal: j,
		Logger:  log.Named("gate"),
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) close() error {
	var errs []error
	if rt.sink != nil {
		errs = append(errs, rt.sink.Close())
	}
	if rt.journal != nil {
		errs = append(errs, rt.journal.Close())
	}
	return errors.Join(errs...)
}

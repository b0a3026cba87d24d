// Package metrics exports engine observations to Prometheus. Observations are
// queued and applied by a background goroutine so a slow collector can never
// stall admission; when the queue is full the observation is dropped.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultBuffer is the queue length used when none is given.
const DefaultBuffer = 4096

type kind uint8

const (
	kindBlock kind = iota
	kindScore
	kindTrip
)

type event struct {
	kind   kind
	reason string
	asset  string
	dryRun bool
	value  float64
}

// Prometheus implements risk.MetricsSink.
type Prometheus struct {
	blocks       *prometheus.CounterVec
	dryRunBlocks *prometheus.CounterVec
	trips        *prometheus.CounterVec
	riskScore    prometheus.Gauge
	dropped      prometheus.Counter

	mu     sync.RWMutex
	closed bool
	events chan event
	done   chan struct{}
	log    *zap.Logger
}

// NewPrometheus registers the guardrail collectors on reg (the default
// registerer when nil) and starts the drain goroutine.
func NewPrometheus(reg prometheus.Registerer, buffer int, log *zap.Logger) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := promauto.With(reg)

	p := &Prometheus{
		blocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_blocks_total",
			Help: "Orders blocked by the admission engine",
		}, []string{"reason", "asset"}),
		dryRunBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "guardrail_dryrun_blocks_total",
			Help: "Blocks tagged while dry-run mode was active",
		}, []string{"reason", "asset"}),
		trips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Circuit breaker trip requests by trigger",
		}, []string{"trigger"}),
		riskScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "guardrail_risk_score",
			Help: "Risk score (0-100) of the last admitted order",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "guardrail_metrics_dropped_total",
			Help: "Observations dropped because the metrics queue was full",
		}),
		events: make(chan event, buffer),
		done:   make(chan struct{}),
		log:    log,
	}
	go p.run()
	return p
}

func (p *Prometheus) ObserveBlock(reason, asset string, dryRun bool) {
	p.send(event{kind: kindBlock, reason: reason, asset: asset, dryRun: dryRun})
}

func (p *Prometheus) ObserveRiskScore(score float64) {
	p.send(event{kind: kindScore, value: score})
}

func (p *Prometheus) ObserveBreakerTrip(trigger string) {
	p.send(event{kind: kindTrip, reason: trigger})
}

// Close stops accepting observations and waits until queued ones are applied.
func (p *Prometheus) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.done
	return nil
}

func (p *Prometheus) send(ev event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.dropped.Inc()
	}
}

func (p *Prometheus) run() {
	defer close(p.done)
	for ev := range p.events {
		p.apply(ev)
	}
	p.log.Debug("metrics sink drained")
}

func (p *Prometheus) apply(ev event) {
	switch ev.kind {
	case kindBlock:
		p.blocks.WithLabelValues(ev.reason, ev.asset).Inc()
		if ev.dryRun {
			p.dryRunBlocks.WithLabelValues(ev.reason, ev.asset).Inc()
		}
	case kindScore:
		p.riskScore.Set(ev.value)
	case kindTrip:
		p.trips.WithLabelValues(ev.reason).Inc()
	}
}

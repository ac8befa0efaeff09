// Package metrics counts delivery pipeline events. Nil *Metrics is valid and does nothing.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/sensagent/log2"
)

const namespace = "sensagent"

const (
	SourceLatest = "latest"
	SourceCached = "cached"
)

type Config struct {
	Listen string `hcl:"listen"`
}

type Metrics struct {
	Registry *prometheus.Registry

	Produced       prometheus.Counter
	Delivered      *prometheus.CounterVec
	Buffered       prometheus.Counter
	Lost           prometheus.Counter
	DrainFailures  prometheus.Counter
	CommitFailures prometheus.Counter
	ClockAttempts  *prometheus.CounterVec
	ConnectFails   prometheus.Counter
	BufferDepth    prometheus.Gauge
	State          *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Produced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_produced_total",
			Help: "Readings produced by sensor.",
		}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_delivered_total",
			Help: "Records confirmed by broker.",
		}, []string{"source"}),
		Buffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_buffered_total",
			Help: "Fresh readings appended to durable buffer after failed publish.",
		}),
		Lost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "readings_lost_total",
			Help: "Readings neither delivered nor buffered.",
		}),
		DrainFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "drain_failures_total",
			Help: "Buffer drains stopped by publish failure.",
		}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commit_failures_total",
			Help: "Failed removals of delivered records from buffer.",
		}),
		ClockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "clock_sync_attempts_total",
			Help: "Clock sync attempts by result.",
		}, []string{"result"}),
		ConnectFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_failures_total",
			Help: "Failed network connect attempts.",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffer_records",
			Help: "Records waiting in durable buffer.",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "coordinator_state",
			Help: "1 for current delivery coordinator state.",
		}, []string{"state"}),
	}
	m.Registry.MustRegister(
		m.Produced, m.Delivered, m.Buffered, m.Lost,
		m.DrainFailures, m.CommitFailures, m.ClockAttempts,
		m.ConnectFails, m.BufferDepth, m.State,
	)
	return m
}

func (m *Metrics) IncProduced() {
	if m != nil {
		m.Produced.Inc()
	}
}

func (m *Metrics) AddDelivered(source string, n int) {
	if m != nil {
		m.Delivered.WithLabelValues(source).Add(float64(n))
	}
}

func (m *Metrics) IncBuffered() {
	if m != nil {
		m.Buffered.Inc()
	}
}

func (m *Metrics) IncLost() {
	if m != nil {
		m.Lost.Inc()
	}
}

func (m *Metrics) IncDrainFailure() {
	if m != nil {
		m.DrainFailures.Inc()
	}
}

func (m *Metrics) IncCommitFailure() {
	if m != nil {
		m.CommitFailures.Inc()
	}
}

func (m *Metrics) ClockAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ClockAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) IncConnectFailure() {
	if m != nil {
		m.ConnectFails.Inc()
	}
}

func (m *Metrics) SetBufferDepth(n int) {
	if m != nil {
		m.BufferDepth.Set(float64(n))
	}
}

// SetState marks current state 1 and every other known state 0.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve blocks serving /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, log *log2.Log, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "metrics listen=%s", listen)
	}
	return m.serve(ctx, log, ln)
}

func (m *Metrics) serve(ctx context.Context, log *log2.Log, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Infof("metrics listen=%s", ln.Addr())
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Annotate(err, "metrics serve")
}

package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes poller health and the latest reading to Prometheus.
// It is a Sink and a FailureRecorder for the poller.
type Metrics struct {
	registry *prometheus.Registry
	polls    *prometheus.CounterVec
	updated  prometheus.Gauge
	reading  *prometheus.GaugeVec
}

var (
	_ Sink            = (*Metrics)(nil)
	_ FailureRecorder = (*Metrics)(nil)
)

func NewMetrics(cache *Cache) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "p1shelly_polls_total",
			Help: "Upstream polls by result; result is ok or the failure reason.",
		}, []string{"result"}),
		updated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "p1shelly_last_update_timestamp_seconds",
			Help: "Time of the most recently published reading.",
		}),
		reading: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "p1shelly_reading",
			Help: "Most recently published reading by field.",
		}, []string{"field"}),
	}
	age := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "p1shelly_reading_age_seconds",
		Help: "Age of the cached reading; zero before the first successful poll.",
	}, func() float64 {
		return cache.Age(time.Now()).Seconds()
	})
	m.registry.MustRegister(m.polls, m.updated, m.reading, age)
	return m
}

func (m *Metrics) Publish(r Reading) {
	m.polls.WithLabelValues("ok").Inc()
	m.updated.Set(float64(r.Time.UnixNano()) / 1e9)
	m.reading.WithLabelValues("power").Set(r.PowerW)
	m.reading.WithLabelValues("voltage").Set(r.VoltageV)
	m.reading.WithLabelValues("current").Set(r.CurrentA)
	m.reading.WithLabelValues("power_factor").Set(r.PowerFactor)
	m.reading.WithLabelValues("energy_import").Set(r.ImportWh)
	m.reading.WithLabelValues("energy_export").Set(r.ExportWh)
	m.reading.WithLabelValues("gas").Set(r.GasM3)
	m.reading.WithLabelValues("tariff").Set(float64(r.Tariff))
}

func (m *Metrics) RecordFailure(reason string) {
	m.polls.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
    "fmt"
    "net/http"
    
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/jesus-bazan-entel/apolobilling/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }
    
    // Register common metrics
    pm.registerMetrics()
    
    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["billing_authorize_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billing_authorize_total",
            Help: "Total authorization attempts",
        },
        []string{"decision", "reason"},
    )

    pm.counters["billing_reservation_create_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billing_reservation_create_total",
            Help: "Total reservations created",
        },
        []string{"kind", "outcome"},
    )

    pm.counters["billing_reservation_consume_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billing_reservation_consume_total",
            Help: "Total reservation settlements at hangup",
        },
        []string{"outcome"},
    )

    pm.counters["billing_cdr_written_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billing_cdr_written_total",
            Help: "Total CDRs written",
        },
        []string{"kind"},
    )

    pm.counters["billing_account_suspended_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "billing_account_suspended_total",
            Help: "Total automatic account suspensions from deficit settlement",
        },
        []string{},
    )

    pm.counters["switch_connections_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "switch_connections_total",
            Help: "Total voice-switch event-socket connections accepted",
        },
        []string{},
    )

    pm.counters["switch_kill_commands_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "switch_kill_commands_total",
            Help: "Total uuid_kill commands issued to the switch by the realtime monitor",
        },
        []string{"reason"},
    )

    // Histograms
    pm.histograms["billing_authorize_latency_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billing_authorize_latency_seconds",
            Help:    "End-to-end authorize() latency",
            Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.03, 0.05, 0.08, 0.1, 0.25},
        },
        []string{"decision"},
    )

    pm.histograms["billing_cdr_cost"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "billing_cdr_cost",
            Help:    "Final charged cost per CDR",
            Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100},
        },
        []string{},
    )

    pm.histograms["switch_event_processing_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "switch_event_processing_seconds",
            Help:    "Time spent handling one voice-switch event",
            Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
        },
        []string{"event_kind"},
    )

    // Gauges
    pm.gauges["billing_active_reservations"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billing_active_reservations",
            Help: "Current number of active reservations",
        },
        []string{},
    )

    pm.gauges["billing_active_monitor_tasks"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "billing_active_monitor_tasks",
            Help: "Current number of live realtime-monitor tasks",
        },
        []string{},
    )

    pm.gauges["switch_connections_active"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "switch_connections_active",
            Help: "Current active voice-switch event-socket connections",
        },
        []string{},
    )

    // Register all metrics
    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("Metrics server started")
    return http.ListenAndServe(addr, nil)
}

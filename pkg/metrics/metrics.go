// Package metrics exposes groundcontrold's Prometheus instrumentation:
// wire-level error counts and firmware-download progress, scraped from
// cmd/groundcontrold's /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the process-wide collectors, registered with the default
// registry on construction.
type Metrics struct {
	WireErrors            *prometheus.CounterVec
	FirmwareBytesReceived prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		WireErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groundcontrol_wire_errors_total",
			Help: "Count of wire-level errors by kind and stream.",
		}, []string{"kind", "stream"}),
		FirmwareBytesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groundcontrol_firmware_bytes_received",
			Help: "Bytes received toward the in-progress firmware download.",
		}),
	}
	prometheus.MustRegister(m.WireErrors, m.FirmwareBytesReceived)
	return m
}

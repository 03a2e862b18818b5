// Package telemetry exposes booking metrics in Prometheus format.
package telemetry

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BookingMetrics counts booking operations by outcome. It satisfies the
// scheduling service's Recorder.
type BookingMetrics struct {
	operations      *prometheus.CounterVec
	slotsGenerated  prometheus.Counter
	billingFailures prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		slotsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "slots",
			Name:      "generated_total",
			Help:      "Slots inserted by the slot generator",
		}),
		billingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "billing",
			Name:      "emit_failures_total",
			Help:      "Billing events that could not be emitted after a booking committed",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.slotsGenerated, m.billingFailures)
	return m
}

func (m *BookingMetrics) ObserveBooking(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *BookingMetrics) ObserveSlotsGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.slotsGenerated.Add(float64(n))
}

func (m *BookingMetrics) ObserveBillingFailure() {
	if m == nil {
		return
	}
	m.billingFailures.Inc()
}

// Handler serves the registry's metrics. A nil gatherer serves the default
// registry.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

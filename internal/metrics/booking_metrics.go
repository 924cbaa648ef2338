package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BookingMetrics содержит метрики протокола резервирования.
type BookingMetrics struct {
	started      prometheus.Counter
	outcomes     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	payments     *prometheus.CounterVec
	ticketsSold  *prometheus.CounterVec
}

// NewBookingMetrics создаёт метрики в глобальном реестре.
func NewBookingMetrics() *BookingMetrics {
	return NewBookingMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewBookingMetricsWithRegisterer создаёт метрики в указанном реестре.
func NewBookingMetricsWithRegisterer(registerer prometheus.Registerer) *BookingMetrics {
	return &BookingMetrics{
		started: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickets_booking_started_total",
			Help: "Total number of booking attempts started",
		}), "tickets_booking_started_total"),
		outcomes: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickets_booking_outcomes_total",
			Help: "Booking attempts by final outcome",
		}, []string{"outcome"}), "tickets_booking_outcomes_total"),
		duration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickets_booking_duration_seconds",
			Help:    "End-to-end booking duration including lock wait and payment",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"outcome"}), "tickets_booking_duration_seconds"),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickets_booking_step_duration_seconds",
			Help:    "Duration of individual booking steps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}), "tickets_booking_step_duration_seconds"),
		inFlight: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickets_bookings_in_flight",
			Help: "Number of booking transactions currently open",
		}), "tickets_bookings_in_flight"),
		payments: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickets_payment_charges_total",
			Help: "Payment charges by result (approved, declined, error)",
		}, []string{"result"}), "tickets_payment_charges_total"),
		ticketsSold: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickets_sold_total",
			Help: "Tickets sold by tier",
		}, []string{"tier"}), "tickets_sold_total"),
	}
}

// RecordStarted отмечает начало попытки и открытие транзакции.
func (m *BookingMetrics) RecordStarted() {
	m.started.Inc()
	m.inFlight.Inc()
}

// RecordFinished закрывает попытку с итогом outcome.
func (m *BookingMetrics) RecordFinished(outcome string, duration time.Duration) {
	m.inFlight.Dec()
	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStepDuration записывает длительность шага протокола.
func (m *BookingMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordPayment учитывает результат списания.
func (m *BookingMetrics) RecordPayment(result string) {
	m.payments.WithLabelValues(result).Inc()
}

// RecordTicketsSold учитывает проданные билеты категории.
func (m *BookingMetrics) RecordTicketsSold(tier string, quantity int) {
	m.ticketsSold.WithLabelValues(tier).Add(float64(quantity))
}

// Started возвращает счётчик начатых попыток.
func (m *BookingMetrics) Started() prometheus.Counter { return m.started }

// Outcomes возвращает счётчик итогов по outcome.
func (m *BookingMetrics) Outcomes() *prometheus.CounterVec { return m.outcomes }

// InFlight возвращает gauge открытых транзакций.
func (m *BookingMetrics) InFlight() prometheus.Gauge { return m.inFlight }

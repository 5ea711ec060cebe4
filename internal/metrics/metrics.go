package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the booking core.
type Metrics struct {
	ReservationsAttempted prometheus.Counter
	ReservationsSucceeded prometheus.Counter
	ReservationsRejected  prometheus.Counter
	BookingsExpired       prometheus.Counter
	BookingsCancelled     prometheus.Counter
	RemindersSent         prometheus.Counter
	LockAcquireSkips      prometheus.Counter
	CycleDuration         prometheus.Histogram
}

// New registers the booking collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReservationsAttempted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fudly_reservations_attempted_total",
			Help: "Reserve calls received, successful or not.",
		}),
		ReservationsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "fudly_reservations_succeeded_total",
			Help: "Reserve calls that created a booking.",
		}),
		ReservationsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "fudly_reservations_rejected_total",
			Help: "Reserve calls refused for missing, inactive or drained offers.",
		}),
		BookingsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "fudly_bookings_expired_total",
			Help: "Bookings expired by the maintenance worker.",
		}),
		BookingsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "fudly_bookings_cancelled_total",
			Help: "Bookings cancelled by the maintenance worker.",
		}),
		RemindersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fudly_reminders_sent_total",
			Help: "User and partner reminders handed to the notifier.",
		}),
		LockAcquireSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "fudly_worker_lock_skips_total",
			Help: "Worker steps skipped because the distributed lock was held elsewhere.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fudly_worker_cycle_duration_seconds",
			Help:    "Wall time of one full maintenance cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

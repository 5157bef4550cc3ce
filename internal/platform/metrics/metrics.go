package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketing",
		Name:      "saga_outcomes_total",
		Help:      "Finished booking sagas by saga and outcome.",
	}, []string{"saga", "outcome"})

	SagaDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ticketing",
		Name:      "saga_duration_seconds",
		Help:      "Duration of booking sagas.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"saga"})

	ReservationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketing",
		Name:      "reservation_rejections_total",
		Help:      "Reserve calls rejected for insufficient capacity.",
	}, []string{"ticket_class"})

	PaymentCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketing",
		Name:      "payment_gateway_calls_total",
		Help:      "Calls to the payment gateway by operation and result.",
	}, []string{"operation", "result"})

	RefundsPending = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketing",
		Name:      "refunds_pending_total",
		Help:      "Cancellations left waiting for refund reconciliation.",
	})

	RefundBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ticketing",
		Name:      "refund_backlog",
		Help:      "Cancelled bookings still awaiting a refund at the last sweep.",
	})
)

package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	jobDurationBucketStart  = 0.05
	jobDurationBucketFactor = 2.0
	jobDurationBucketCount  = 12
)

const (
	generationBucketStart  = 0.5
	generationBucketFactor = 2
	generationBucketCount  = 8
)

var JobDispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "job_dispatch_duration_seconds",
		Help: "Time taken by a job handler invocation",
		Buckets: prometheus.ExponentialBuckets(
			jobDurationBucketStart,
			jobDurationBucketFactor,
			jobDurationBucketCount,
		),
	},
	[]string{"kind"},
)

var JobOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_outcomes_total",
		Help: "Job handler outcomes by kind",
	},
	[]string{"kind", "outcome"},
)

var BookingAdmissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "booking_admissions_total",
		Help: "Booking admission decisions by result code",
	},
	[]string{"code"},
)

var AutopilotVerdicts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autopilot_verdicts_total",
		Help: "Autopilot draft and release verdicts by phase, outcome and gate",
	},
	[]string{"phase", "outcome", "gate"},
)

var GenerationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "generation_duration_seconds",
		Help: "Time taken by a generation request",
		Buckets: prometheus.ExponentialBuckets(
			generationBucketStart,
			generationBucketFactor,
			generationBucketCount,
		),
	},
	[]string{"stage"},
)

var ArchiveOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "archive_operation_duration_seconds",
		Help:    "Time taken by transcript archive operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

var IngestLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ingest_event_latency_seconds",
		Help:    "Delay between an inbound message being stored and its event being consumed",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(JobDispatchDuration)
	prometheus.MustRegister(JobOutcomes)
	prometheus.MustRegister(BookingAdmissions)
	prometheus.MustRegister(AutopilotVerdicts)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(ArchiveOperationDuration)
	prometheus.MustRegister(IngestLatency)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhixiangxue/chalk-ai/pkg/delivery"
	"github.com/zhixiangxue/chalk-ai/pkg/runner"
)

var (
	OnlineSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chalk_online_sessions",
		Help: "Current live sessions in this process.",
	})
	SessionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_sessions_opened_total",
		Help: "Total sessions that reached ACTIVE.",
	})
	SessionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_sessions_rejected_total",
		Help: "Total handshakes refused at validation.",
	})
	SessionsSuperseded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_sessions_superseded_total",
		Help: "Total sessions force-closed by a newer session of the same user.",
	})

	FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chalk_frames_in_total",
		Help: "Inbound client frames by type.",
	}, []string{"type"})
	FramesInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_frames_invalid_total",
		Help: "Inbound frames that failed to parse.",
	})
	StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_store_errors_total",
		Help: "Message store failures seen by sessions.",
	})
	JobEnqueueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_job_enqueue_errors_total",
		Help: "Persisted messages whose distribution job could not be enqueued.",
	})
	OfflineReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_offline_replayed_total",
		Help: "Messages replayed from offline lists at connect.",
	})
	WSBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_ws_backpressure_total",
		Help: "Times a session inbox was full and delivery fell back to the broker.",
	})

	Dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chalk_dispatch_total",
		Help: "Fanout decisions by route (local, published, offline).",
	}, []string{"route"})
	PresenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_presence_errors_total",
		Help: "Presence checks that failed and were read as offline.",
	})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_breaker_open_total",
		Help: "Times the presence breaker opened.",
	})
	BreakerDrop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_breaker_drop_total",
		Help: "Presence checks skipped while the breaker was open.",
	})

	JobsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_jobs_processed_total",
		Help: "Distribution jobs completed.",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_jobs_retried_total",
		Help: "Distribution jobs scheduled for retry.",
	})
	JobsDead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_jobs_dead_total",
		Help: "Distribution jobs that exhausted their attempts.",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chalk_job_queue_depth",
		Help: "Distribution jobs per queue state (ready, processing, delayed, dead).",
	}, []string{"state"})
	ListsTrimmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chalk_offline_lists_trimmed_total",
		Help: "Offline lists trimmed by maintenance.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineSessions,
		SessionsOpened, SessionsRejected, SessionsSuperseded,
		FramesIn, FramesInvalid,
		StoreErrors, JobEnqueueErrors,
		OfflineReplayed, WSBackpressure,
		Dispatched, PresenceErrors, BreakerOpen, BreakerDrop,
		JobsProcessed, JobsRetried, JobsDead, QueueDepth,
		ListsTrimmed,
	)
}

// DeliveryHooks routes fanout events into the collectors above.
func DeliveryHooks() delivery.Hooks {
	return delivery.Hooks{
		OnDispatch:      func(r delivery.Route) { Dispatched.WithLabelValues(string(r)).Inc() },
		OnPresenceError: func(error) { PresenceErrors.Inc() },
		OnBreakerOpen:   BreakerOpen.Inc,
		OnBreakerDrop:   BreakerDrop.Inc,
		OnBackpressure:  WSBackpressure.Inc,
		OnTrim:          func(n int) { ListsTrimmed.Add(float64(n)) },
	}
}

func RunnerHooks() runner.Hooks {
	return runner.Hooks{
		OnDone:  JobsProcessed.Inc,
		OnRetry: JobsRetried.Inc,
		OnDead:  JobsDead.Inc,
		OnDepth: func(d runner.Depth) {
			QueueDepth.WithLabelValues("ready").Set(float64(d.Ready))
			QueueDepth.WithLabelValues("processing").Set(float64(d.Processing))
			QueueDepth.WithLabelValues("delayed").Set(float64(d.Delayed))
			QueueDepth.WithLabelValues("dead").Set(float64(d.Dead))
		},
	}
}

package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_session_transitions_total", Help: "Session state transitions"},
		[]string{"state"},
	)
	SessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "wa_sessions", Help: "Registered sessions by state"},
		[]string{"state"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_send_total", Help: "Send outcomes"},
		[]string{"result", "code"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wa_send_latency_seconds", Help: "Provider dispatch latency", Buckets: prometheus.DefBuckets},
	)
	CampaignRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_campaign_runs_total", Help: "Campaign runs by terminal status"},
		[]string{"status"},
	)
	Acks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_acks_total", Help: "Delivery acknowledgments"},
		[]string{"status", "result"},
	)
	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_events_total", Help: "Event publications per sink"},
		[]string{"sink", "result"},
	)
	QueueJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_queue_jobs_total", Help: "Run requests taken from the queue"},
		[]string{"result"},
	)
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_api_requests_total", Help: "API requests"},
		[]string{"route", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(SessionTransitions, SessionsByState, Sends, SendLatency,
		CampaignRuns, Acks, Events, QueueJobs, APIRequests)
}

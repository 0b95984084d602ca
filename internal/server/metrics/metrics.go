package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgw_requests_total",
		Help: "HTTP requests handled by the gateway router.",
	}, []string{"route", "code"})
	RecordsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgw_records_accepted_total",
		Help: "Traffic records accepted and scheduled for enqueue.",
	}, []string{"route"})
	QueueMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgw_queue_messages_total",
		Help: "Messages submitted to the queue binding, by outcome.",
	}, []string{"result"})
	QueueSendSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trafficgw_queue_send_seconds",
		Help:    "Duration of queue binding send calls.",
		Buckets: prometheus.DefBuckets,
	})
	BackgroundInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trafficgw_background_inflight",
		Help: "Background enqueue tasks currently running.",
	})
)

func init() {
	prometheus.MustRegister(RequestsTotal, RecordsAccepted, QueueMessages, QueueSendSeconds, BackgroundInflight)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

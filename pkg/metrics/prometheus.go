// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "coitrack_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HTTPErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_http_errors_total",
		Help: "Total number of failed HTTP requests (4xx/5xx)",
	},
	[]string{"endpoint", "status", "method"},
)

var RateLimitRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_rate_limit_rejections_total",
		Help: "Requests rejected by a rate limiter",
	},
	[]string{"scope"}, // ip, portal_token
)

var CertificateUploadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_certificate_uploads_total",
		Help: "Certificates stored, by upload source",
	},
	[]string{"source"},
)

var PortalRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_portal_rejections_total",
		Help: "Portal uploads refused before a certificate was created",
	},
	[]string{"reason"}, // link_unavailable, rate_limited, invalid_file, duplicate
)

var ExtractionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_extractions_total",
		Help: "Completed extraction attempts, by outcome",
	},
	[]string{"outcome"}, // extracted, failed
)

var ExtractionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "coitrack_extraction_duration_seconds",
		Help:    "Time from extraction request to result",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	},
)

var EvaluationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_evaluations_total",
		Help: "Compliance evaluations, by resulting status",
	},
	[]string{"status"},
)

var StatusTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_status_transitions_total",
		Help: "Entity compliance status changes",
	},
	[]string{"from", "to"},
)

var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_notifications_total",
		Help: "Notification rows written, by type and status",
	},
	[]string{"type", "status"},
)

var NotificationSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "coitrack_notification_send_duration_seconds",
		Help:    "Time taken to hand a message to the mail provider",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var EventPublishFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coitrack_event_publish_failures_total",
		Help: "Failed status-change event publishes",
	},
	[]string{"topic"},
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPErrorsTotal,
			RateLimitRejectionsTotal,
			CertificateUploadsTotal,
			PortalRejectionsTotal,
			ExtractionsTotal,
			ExtractionDuration,
			EvaluationsTotal,
			StatusTransitionsTotal,
			NotificationsTotal,
			NotificationSendDuration,
			EventPublishFailuresTotal,
		)
	})
}

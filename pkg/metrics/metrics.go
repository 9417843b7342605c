package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Process runtime metrics
	ProcessesActive         prometheus.Gauge
	ProcessStartsTotal      *prometheus.CounterVec
	ProcessShutdownDuration prometheus.Histogram
	MailboxSendFailures     *prometheus.CounterVec

	// Transaction metrics
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration prometheus.Histogram

	// Call control metrics
	CallEventsTotal     *prometheus.CounterVec
	CallsActive         prometheus.Gauge
	CallSetupTime       prometheus.Histogram
	ProtocolErrorsTotal *prometheus.CounterVec

	// SIP transport metrics
	SIPRequestsTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec

	// Media server metrics
	MediaSessionsActive prometheus.Gauge
	MediaRequestsTotal  *prometheus.CounterVec
	RTPPorts            *prometheus.GaugeVec
)

// Init creates the private registry and all collectors. Record helpers are
// no-ops until Init has run, so packages can be used without metrics.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ProcessesActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uas_processes_active",
			Help: "Number of running processes",
		})

		ProcessStartsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_process_starts_total",
				Help: "Process start attempts by readiness result",
			},
			[]string{"result"},
		)

		ProcessShutdownDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uas_process_shutdown_seconds",
			Help:    "Time between shutdown request and termination",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		})

		MailboxSendFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_mailbox_send_failures_total",
				Help: "Messages rejected by a mailbox",
			},
			[]string{"reason"},
		)

		TransactionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_transactions_total",
				Help: "Correlated requests by outcome",
			},
			[]string{"result"},
		)

		TransactionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uas_transaction_duration_seconds",
			Help:    "Time until the first correlated response",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		})

		CallEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_call_events_total",
				Help: "Call state machine events",
			},
			[]string{"event"},
		)

		CallsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uas_calls_active",
			Help: "Number of calls held in the registry",
		})

		CallSetupTime = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uas_call_setup_seconds",
			Help:    "Time from new session to connected",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		})

		ProtocolErrorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_protocol_errors_total",
				Help: "Events rejected by the call state machine",
			},
			[]string{"kind"},
		)

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_sip_requests_total",
				Help: "Total number of SIP requests",
			},
			[]string{"method"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_sip_responses_total",
				Help: "Total number of SIP responses sent",
			},
			[]string{"status_class"},
		)

		MediaSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uas_media_sessions_active",
			Help: "Media server connections currently allocated",
		})

		MediaRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uas_media_requests_total",
				Help: "Media server requests by operation and result",
			},
			[]string{"operation", "result"},
		)

		RTPPorts = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uas_rtp_ports",
				Help: "RTP ports of the media server pool by state",
			},
			[]string{"state"},
		)

		registry.MustRegister(
			ProcessesActive,
			ProcessStartsTotal,
			ProcessShutdownDuration,
			MailboxSendFailures,
			TransactionsTotal,
			TransactionDuration,
			CallEventsTotal,
			CallsActive,
			CallSetupTime,
			ProtocolErrorsTotal,
			SIPRequestsTotal,
			SIPResponsesTotal,
			MediaSessionsActive,
			MediaRequestsTotal,
			RTPPorts,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the registry created by Init, or nil.
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath changes the path used by RegisterHandler.
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// SetMetricsEnabled toggles every Record helper.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled reports whether collectors are live.
func IsMetricsEnabled() bool {
	return metricsEnabled && registry != nil
}

// RegisterHandler mounts the exposition endpoint on mux.
func RegisterHandler(mux *http.ServeMux) {
	if !IsMetricsEnabled() {
		return
	}
	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
	mux.Handle(defaultMetricsPath, handler)
}

func RecordProcessStarted() {
	if IsMetricsEnabled() {
		ProcessesActive.Inc()
	}
}

func RecordProcessTerminated() {
	if IsMetricsEnabled() {
		ProcessesActive.Dec()
	}
}

// RecordProcessStart counts readiness gate outcomes ("ready", "failed").
func RecordProcessStart(result string) {
	if IsMetricsEnabled() {
		ProcessStartsTotal.WithLabelValues(result).Inc()
	}
}

func ObserveProcessShutdown(d time.Duration) {
	if IsMetricsEnabled() {
		ProcessShutdownDuration.Observe(d.Seconds())
	}
}

func RecordMailboxSendFailure(reason string) {
	if IsMetricsEnabled() {
		MailboxSendFailures.WithLabelValues(reason).Inc()
	}
}

// RecordTransaction counts a correlated request outcome ("ok", "timeout", "error").
func RecordTransaction(result string, d time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	TransactionsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		TransactionDuration.Observe(d.Seconds())
	}
}

func RecordCallEvent(event string) {
	if IsMetricsEnabled() {
		CallEventsTotal.WithLabelValues(event).Inc()
	}
}

func SetCallsActive(n int) {
	if IsMetricsEnabled() {
		CallsActive.Set(float64(n))
	}
}

func ObserveCallSetup(d time.Duration) {
	if IsMetricsEnabled() {
		CallSetupTime.Observe(d.Seconds())
	}
}

func RecordProtocolError(kind string) {
	if IsMetricsEnabled() {
		ProtocolErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func RecordSIPRequest(method string) {
	if IsMetricsEnabled() {
		SIPRequestsTotal.WithLabelValues(method).Inc()
	}
}

func RecordSIPResponse(statusCode int) {
	if !IsMetricsEnabled() {
		return
	}
	class := "other"
	switch {
	case statusCode >= 100 && statusCode < 200:
		class = "1xx"
	case statusCode < 300:
		class = "2xx"
	case statusCode < 400:
		class = "3xx"
	case statusCode < 500:
		class = "4xx"
	case statusCode < 600:
		class = "5xx"
	}
	SIPResponsesTotal.WithLabelValues(class).Inc()
}

func RecordMediaRequest(operation, result string) {
	if IsMetricsEnabled() {
		MediaRequestsTotal.WithLabelValues(operation, result).Inc()
	}
}

func AddMediaSessions(delta int) {
	if IsMetricsEnabled() {
		MediaSessionsActive.Add(float64(delta))
	}
}

// SetRTPPorts publishes the media server port pool occupancy.
func SetRTPPorts(used, available int) {
	if IsMetricsEnabled() {
		RTPPorts.WithLabelValues("used").Set(float64(used))
		RTPPorts.WithLabelValues("available").Set(float64(available))
	}
}

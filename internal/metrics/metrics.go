// Package metrics exposes internal operational counters and gauges over
// Prometheus's client library. These are ops-only instrumentation, not the
// user-facing analytics counters spec.md's Out of scope list excludes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter and gauge vaporroomd exports.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	SessionsExpired   prometheus.Counter
	SessionsEvicted   prometheus.Counter
	FilesStored       prometheus.Counter
	FilesDeleted      prometheus.Counter
	MessagesSent      prometheus.Counter
	UploadsStarted    prometheus.Counter
	UploadsCompleted  prometheus.Counter
	UploadsSwept      prometheus.Counter
	RPCDuration       *prometheus.HistogramVec
	RPCErrors         *prometheus.CounterVec
	ActiveSessions    prometheus.GaugeFunc
	ActiveConnections prometheus.Gauge
	TotalBytesInUse   prometheus.GaugeFunc
}

// Sources supplies the callbacks GaugeFuncs sample on scrape.
type Sources struct {
	SessionCount func() int
	TotalBytes   func() int64
}

// New registers every metric against reg and returns the handle used to
// record observations elsewhere in the process.
func New(reg prometheus.Registerer, src Sources) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_sessions_created_total",
			Help: "Sessions created since process start.",
		}),
		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_sessions_expired_total",
			Help: "Sessions removed by TTL sweep.",
		}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_sessions_evicted_total",
			Help: "Sessions removed by emergency eviction under memory pressure.",
		}),
		FilesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_files_stored_total",
			Help: "Files successfully accepted into the store.",
		}),
		FilesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_files_deleted_total",
			Help: "Files removed by explicit delete.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_messages_sent_total",
			Help: "Chat messages accepted.",
		}),
		UploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_uploads_started_total",
			Help: "Chunked uploads started.",
		}),
		UploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_uploads_completed_total",
			Help: "Chunked uploads assembled successfully.",
		}),
		UploadsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaporroom_uploads_swept_total",
			Help: "Uploads dropped by the stale-upload or retention sweep.",
		}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaporroom_rpc_duration_seconds",
			Help:    "Server-side handling time per named operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaporroom_rpc_errors_total",
			Help: "Failed acknowledgements per named operation and error kind.",
		}, []string{"operation", "kind"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vaporroom_active_connections",
			Help: "Currently open realtime connections.",
		}),
	}

	m.ActiveSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaporroom_active_sessions",
		Help: "Currently live sessions.",
	}, func() float64 { return float64(src.SessionCount()) })

	m.TotalBytesInUse = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaporroom_total_bytes_in_use",
		Help: "Sum of all stored file payload sizes.",
	}, func() float64 { return float64(src.TotalBytes()) })

	reg.MustRegister(
		m.SessionsCreated, m.SessionsExpired, m.SessionsEvicted,
		m.FilesStored, m.FilesDeleted, m.MessagesSent,
		m.UploadsStarted, m.UploadsCompleted, m.UploadsSwept,
		m.RPCDuration, m.RPCErrors,
		m.ActiveConnections, m.ActiveSessions, m.TotalBytesInUse,
	)

	return m
}

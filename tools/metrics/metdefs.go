package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Defined application metrics to track
var (
	conVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ivmgate",
		Subsystem: "gateway",
		Name:      "connection_verdicts_total",
		Help:      "The total number of connection admission verdicts by kind",
	},
		[]string{
			"verdict",
		})

	reqVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ivmgate",
		Subsystem: "ipmanager",
		Name:      "request_verdicts_total",
		Help:      "The total number of request throttle verdicts by path and kind",
	},
		[]string{
			"path",
			"verdict",
		})

	ipBans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ivmgate",
		Subsystem: "gateway",
		Name:      "ip_bans_total",
		Help:      "The total number of IP bans by reason",
	},
		[]string{
			"reason",
		})

	storageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ivmgate",
		Subsystem: "storage",
		Name:      "errors_total",
		Help:      "The total number of failed repository calls by operation",
	},
		[]string{
			"op",
		})

	handshakesRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ivmgate",
		Subsystem: "websocket",
		Name:      "handshakes_refused_total",
		Help:      "The total number of websocket handshakes refused before admission",
	},
		[]string{
			"cause",
		})

	liveConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ivmgate",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "The number of live websocket connections",
	})

	trackedIPs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ivmgate",
		Subsystem: "gateway",
		Name:      "ips_tracked",
		Help:      "The number of IPs with an accounting task",
	})

	parkedIPs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ivmgate",
		Subsystem: "gateway",
		Name:      "ips_parked",
		Help:      "The number of banned IPs kept without live connections",
	})

	listeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ivmgate",
		Subsystem: "gateway",
		Name:      "listeners_active",
		Help:      "The number of connections subscribed to live statistics",
	})

	connsTopDemandingIP = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ivmgate",
		Subsystem: "websocket",
		Name:      "top_demanding_ip",
		Help:      "The top demanding IP on number of admitted connections",
	},
		[]string{
			"ip",
		})
)

// Package metrics exposes the gateway counters to Prometheus. The default
// registry also carries the Go runtime and process collectors.
package metrics

import "github.com/dasiyes/ivmgate/pkg/wire"

// labelPath keeps the path label bounded; paths come from clients.
func labelPath(path string) string {
	if wire.KnownPath(path) {
		return path
	}
	return "other"
}

func ConVerdict(verdict string) {
	conVerdicts.WithLabelValues(verdict).Inc()
}

func ReqVerdict(path, verdict string) {
	reqVerdicts.WithLabelValues(labelPath(path), verdict).Inc()
}

func IPBanned(reason string) {
	ipBans.WithLabelValues(reason).Inc()
}

func StorageError(op string) {
	storageErrors.WithLabelValues(op).Inc()
}

func HandshakeRefused(cause string) {
	handshakesRefused.WithLabelValues(cause).Inc()
}

// Occupancy sets the gauges describing the gateway state.
func Occupancy(live, tracked, parked, listening int) {
	liveConns.Set(float64(live))
	trackedIPs.Set(float64(tracked))
	parkedIPs.Set(float64(parked))
	listeners.Set(float64(listening))
}

// TopDemandingIP keeps a single series for the current top IP.
func TopDemandingIP(ip string, total uint64) {
	connsTopDemandingIP.Reset()
	if ip == "" {
		return
	}
	connsTopDemandingIP.WithLabelValues(ip).Set(float64(total))
}

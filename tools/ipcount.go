package tools

import "github.com/dasiyes/ivmgate/pkg/wire"

// IPCount summarizes a gateway snapshot.
type IPCount struct {
	ActiveIPs   int   `json:"active_ips"`
	ActiveConns int64 `json:"active_connections"`
	BannedIPs   int   `json:"banned_ips"`
	TrackedIPs  int   `json:"tracked_ips"`
}

// CountIPs returns the number of active IPs and connections. Banned IPs are
// counted from the ban timestamp, nowMs being the current epoch millis.
func CountIPs(stats []wire.IPStat, nowMs int64) IPCount {
	c := IPCount{TrackedIPs: len(stats)}
	for _, st := range stats {
		if st.Live > 0 {
			c.ActiveIPs++
			c.ActiveConns += st.Live
		}
		if st.BannedUntilMs > nowMs {
			c.BannedIPs++
		}
	}
	return c
}

// TopIP is the top demanding client's IP, in terms of admitted connections.
func TopIP(stats []wire.IPStat) (ip string, max int64) {
	for _, st := range stats {
		if st.Allowed > max {
			max = st.Allowed
			ip = st.IP
		}
	}
	return ip, max
}

package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/logging"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// NewCloudLogger initiates the GCP Cloud logger used for the ban audit
// trail. The client must be closed by the caller to flush pending entries.
func NewCloudLogger(ctx context.Context, projectID, logName string) (*logging.Client, *logging.Logger, error) {
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create cloud logging client: %w", err)
	}
	client.OnError = func(err error) {
		log.Errorf("[cloud-logger] Error [%v] raised while logging to cloud logger", err)
	}
	return client, client.Logger(logName), nil
}

// toInt64 saturates counters on the way to the signed wire format.
func toInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// millis is the wire form of a timestamp; the zero time is 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ipStat composes one snapshot row.
func ipStat(ip string, rec *gate.IPRecord, live uint64) wire.IPStat {
	st := wire.IPStat{
		IP:            ip,
		Allowed:       toInt64(rec.Totals.Allowed),
		Blocked:       toInt64(rec.Totals.Blocked),
		Banned:        toInt64(rec.Totals.Banned),
		AlreadyBanned: toInt64(rec.Totals.AlreadyBanned),
		Live:          toInt64(live),
	}
	if rec.Ban.Active() {
		st.BannedUntilMs = millis(rec.Ban.Until)
		st.BanReason = rec.Ban.Reason.String()
	}
	return st
}

// sortStats orders a snapshot by IP so replies are stable.
func sortStats(stats []wire.IPStat) {
	sort.Slice(stats, func(i, j int) bool { return stats[i].IP < stats[j].IP })
}

// pathCounts renders a connection tally sorted by path.
func pathCounts(stats map[string]*reqCounter) []wire.PathCount {
	out := make([]wire.PathCount, 0, len(stats))
	for p, t := range stats {
		out = append(out, wire.PathCount{
			Path:          p,
			Allowed:       toInt64(t.Allowed),
			Blocked:       toInt64(t.Blocked),
			Banned:        toInt64(t.Banned),
			AlreadyBanned: toInt64(t.AlreadyBanned),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// throttleKey maps a request path to the key it is throttled under. Paths
// the gateway does not serve share one key so clients cannot grow the
// accounting state.
func throttleKey(path string) string {
	if wire.KnownPath(path) {
		return path
	}
	return unknownPathID
}

// auditor writes ban and unban decisions to logrus and, when configured,
// to Cloud Logging.
type auditor struct {
	clgr *logging.Logger
	lgr  *log.Entry
}

func (a auditor) banned(ip string, b throttle.Ban, trigger string) {
	a.lgr.WithFields(log.Fields{
		"ip":      ip,
		"until":   b.Until.Format(time.RFC3339),
		"reason":  b.Reason.String(),
		"trigger": trigger,
	}).Warn("ip banned")

	if a.clgr == nil {
		return
	}
	a.clgr.Log(logging.Entry{
		Severity: logging.Warning,
		Payload: map[string]interface{}{
			"event":    "ip_banned",
			"ip":       ip,
			"until_ms": millis(b.Until),
			"reason":   b.Reason.String(),
			"trigger":  trigger,
		},
	})
}

func (a auditor) unbanned(ip string) {
	a.lgr.WithField("ip", ip).Info("ip unbanned")

	if a.clgr == nil {
		return
	}
	a.clgr.Log(logging.Entry{
		Severity: logging.Notice,
		Payload:  map[string]interface{}{"event": "ip_unbanned", "ip": ip},
	})
}

package services

import (
	"net/netip"
	"time"

	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/pkg/wire"
)

// wsIP is the gateway view of one IP: its admission record, live
// connections and accounting task. Only the Session loop touches it.
type wsIP struct {
	addr netip.Addr
	rec  *gate.IPRecord
	live uint64
	cons map[ConID]*Con
	task *ipManager
	// kick is closed to disconnect every Con of the IP.
	kick chan struct{}
	// flushed is true while the stored record is current apart from
	// already banned attempts, which only set dirtyTotals. Eviction and
	// shutdown write both.
	flushed     bool
	dirtyTotals bool
	parked      bool
}

func newWsIP(addr netip.Addr, rec *gate.IPRecord) *wsIP {
	return &wsIP{
		addr: addr,
		rec:  rec,
		cons: make(map[ConID]*Con),
		kick: make(chan struct{}),
	}
}

// disconnectAll signals every current Con of the IP and arms a fresh signal
// for later connections.
func (w *wsIP) disconnectAll() {
	close(w.kick)
	w.kick = make(chan struct{})
}

// stale reports whether the stored record lags behind rec in any way.
func (w *wsIP) stale() bool {
	return !w.flushed || w.dirtyTotals
}

// banned reports a ban still in force at now.
func (w *wsIP) banned(now time.Time) bool {
	return w.rec.Ban.Active() && now.Before(w.rec.Ban.Until)
}

func (w *wsIP) stat() wire.IPStat {
	return ipStat(w.addr.String(), w.rec, w.live)
}

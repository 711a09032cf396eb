package services

import (
	"context"

	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// onFrame decodes one client frame and starts its request task. Malformed
// frames are dropped; a full task group refuses the request.
func (c *Con) onFrame(ctx context.Context, g *errgroup.Group, data []byte) error {
	req, err := wire.DecodeRequest(data)
	if err != nil {
		c.lgr.Warnf("[onFrame] frame dropped: %v", err)
		return nil
	}

	key := throttleKey(req.Path)
	if !g.TryGo(func() error {
		c.serve(ctx, req, key)
		return nil
	}) {
		c.lgr.Warnf("[onFrame] too many requests in flight, %q refused", req.Path)
		return c.writeEvent(req.RouteKey, wire.TooManyRequests{Path: req.Path})
	}
	return nil
}

// serve runs on a request task. It reports the verdict to the loop before
// any reply so the counters lead the replies.
func (c *Con) serve(ctx context.Context, req wire.ClientRequest, key string) {
	v, err := c.task.checkThrottle(ctx, key)
	if err != nil {
		c.lgr.Debugf("[serve] no verdict for %q: %v", req.Path, err)
		return
	}
	if !c.toLoop(ctx, reqVerdict{key: req.RouteKey, path: key, verdict: v}) || !v.Allowed() {
		return
	}

	switch req.Path {
	case wire.PathPing:
		c.toLoop(ctx, sendEvent{key: req.RouteKey, ev: wire.Pong{AtMs: c.clock.Now().UnixMilli()}})
	case wire.PathLiveStats:
		c.toLoop(ctx, setLiveStats{key: req.RouteKey, enabled: req.Enabled})
	case wire.PathIPStats:
		stats, err := c.session.Snapshot(ctx)
		if err != nil {
			c.lgr.Warnf("[serve] snapshot failed: %v", err)
			return
		}
		c.toLoop(ctx, sendEvent{key: req.RouteKey, ev: wire.IPConnectionsSnapshot{IPs: stats}})
	default:
		err := wire.CheckPath(req.Path)
		c.lgr.Warnf("[serve] request dropped: %v", err)
		c.toLoop(ctx, sendEvent{key: req.RouteKey, ev: wire.Error{Message: err.Error()}})
	}
}

func (c *Con) toLoop(ctx context.Context, msg any) bool {
	select {
	case c.ctl <- msg:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// onVerdict updates the display counters, tells the listeners and refuses
// requests that were not allowed.
func (c *Con) onVerdict(ctx context.Context, m reqVerdict) error {
	st, ok := c.reqStats[m.path]
	if !ok {
		st = &reqCounter{}
		c.reqStats[m.path] = st
	}
	total := toInt64(st.Count(m.verdict.Kind))
	cid := c.ID.String()

	switch m.verdict.Kind {
	case throttle.Allow, throttle.UnbannedAndAllow:
		c.listeners.Send(wire.ReqAllowed{ConID: cid, Path: m.path, Total: total}, c.lgr)
	case throttle.Blocked, throttle.UnbannedAndBlocked:
		c.listeners.Send(wire.ReqBlocked{ConID: cid, Path: m.path, Total: total}, c.lgr)
	case throttle.Banned, throttle.AlreadyBanned:
		c.listeners.Send(wire.ReqBanned{ConID: cid, Path: m.path, Total: toInt64(st.Banned + st.AlreadyBanned)}, c.lgr)
	}
	if m.verdict.Unbanned() {
		c.ban.Clear()
		c.listeners.Send(wire.IPUnbanned{IP: c.ip.String()}, c.lgr)
	}

	if m.verdict.Kind == throttle.Banned {
		c.ban = throttle.Ban{Until: m.verdict.Until, Reason: m.verdict.Reason}
		if err := c.session.requestBan(ctx, c.ip, c.ban); err != nil {
			c.lgr.Warnf("[onVerdict] unable to escalate the ban: %v", err)
		}
	}

	if !m.verdict.Allowed() {
		return c.writeEvent(m.key, wire.TooManyRequests{Path: m.path})
	}
	return nil
}

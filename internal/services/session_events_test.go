package services

import (
	"context"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/dasiyes/ivmgate/internal/data/memdb"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/pkg/wire"
	"github.com/google/uuid"
)

// listen subscribes tc to live statistics and consumes the snapshot and
// its own connected event.
func (tc *testCon) listen(t *testing.T, key wire.RouteKey) {
	t.Helper()
	tc.request(t, key, wire.PathLiveStats, true)
	if _, ev := tc.next(t); ev.Kind() != wire.KindSnapshot {
		t.Fatalf("first listener event = %#v, want a snapshot", ev)
	}
	if _, ev := tc.next(t); ev.Kind() != wire.KindConnected || ev.(wire.Connected).ConID != tc.con.ID.String() {
		t.Fatalf("second listener event = %#v, want its own connected", ev)
	}
}

func TestConnectionVerdictsAreFannedOut(t *testing.T) {
	cfg := testConfig()
	cfg.Throttle.MaxConsPerIP = 1
	cfg.Throttle.ConOverflow.Amount = 1
	cfg.Throttle.ConOverflowBan = 5 * time.Minute
	s, _ := startSession(t, cfg, memdb.NewIPRepository())

	lst := connect(t, s, "10.0.0.9:4000")
	lst.listen(t, wire.RouteKey{1})

	a := connect(t, s, "10.0.0.1:4000")
	if _, ev := lst.next(t); ev != (wire.ConAllowed{IP: "10.0.0.1", Total: 1}) {
		t.Fatalf("after admission = %#v, want con_allowed", ev)
	}
	if _, ev := lst.next(t); ev.Kind() != wire.KindConnected || ev.(wire.Connected).ConID != a.con.ID.String() {
		t.Fatalf("after admission = %#v, want connected of %s", ev, a.con.ID)
	}

	if _, v := admit(t, s, "10.0.0.1:4001"); v.Kind != throttle.Blocked {
		t.Fatalf("over the ceiling = %s, want blocked", v)
	}
	if _, ev := lst.next(t); ev != (wire.ConBlocked{IP: "10.0.0.1", Total: 1}) {
		t.Fatalf("after a blocked connection = %#v, want con_blocked", ev)
	}

	if _, v := admit(t, s, "10.0.0.1:4002"); v.Kind != throttle.Banned {
		t.Fatalf("overflow = %s, want banned", v)
	}
	want := []wire.Event{
		wire.ConBanned{IP: "10.0.0.1", Total: 1},
		wire.IPBanned{
			IP:      "10.0.0.1",
			UntilMs: t0.Add(5 * time.Minute).UnixMilli(),
			Reason:  throttle.ReasonTooManyReconnections.String(),
		},
		wire.Disconnected{ConID: a.con.ID.String()},
	}
	for i, w := range want {
		if _, ev := lst.next(t); ev != w {
			t.Fatalf("ban event %d = %#v, want %#v", i, ev, w)
		}
	}
	a.waitDone(t)

	if _, v := admit(t, s, "10.0.0.1:4003"); v.Kind != throttle.AlreadyBanned {
		t.Fatalf("connection while banned = %s, want already_banned", v)
	}
	lst.quiet(t, 200*time.Millisecond)
}

func TestRequestVerdictsAreFannedOut(t *testing.T) {
	cfg := testConfig()
	ping := cfg.Throttle.Paths[wire.PathPing]
	ping.Amount = 2
	cfg.Throttle.Paths[wire.PathPing] = ping
	cfg.Throttle.ReqBan.Amount = 2
	s, _ := startSession(t, cfg, memdb.NewIPRepository())

	lst := connect(t, s, "10.0.0.9:4000")
	lst.listen(t, wire.RouteKey{1})

	a := connect(t, s, "10.0.0.1:4000")
	lst.next(t) // con_allowed
	lst.next(t) // connected

	cid := a.con.ID.String()
	steps := []struct {
		reply wire.Kind
		event wire.Event
	}{
		{wire.KindPong, wire.ReqAllowed{ConID: cid, Path: wire.PathPing, Total: 1}},
		{wire.KindPong, wire.ReqAllowed{ConID: cid, Path: wire.PathPing, Total: 2}},
		{wire.KindTooManyRequests, wire.ReqBlocked{ConID: cid, Path: wire.PathPing, Total: 1}},
		{wire.KindTooManyRequests, wire.ReqBlocked{ConID: cid, Path: wire.PathPing, Total: 2}},
		{wire.KindTooManyRequests, wire.ReqBanned{ConID: cid, Path: wire.PathPing, Total: 1}},
	}
	key := wire.RouteKey{7}
	for i, st := range steps {
		a.request(t, key, wire.PathPing, false)
		if _, ev := a.next(t); ev.Kind() != st.reply {
			t.Fatalf("reply %d = %#v, want %s", i, ev, st.reply)
		}
		if _, ev := lst.next(t); ev != st.event {
			t.Fatalf("listener event %d = %#v, want %#v", i, ev, st.event)
		}
	}

	banned := wire.IPBanned{
		IP:      "10.0.0.1",
		UntilMs: t0.Add(cfg.Throttle.ReqBanDuration).UnixMilli(),
		Reason:  throttle.ReasonRouteBruteForceDetected.String(),
	}
	if _, ev := lst.next(t); ev != banned {
		t.Fatalf("after the request ban = %#v, want %#v", ev, banned)
	}
	if _, ev := lst.next(t); ev != (wire.Disconnected{ConID: cid}) {
		t.Fatalf("after the request ban = %#v, want disconnected", ev)
	}
	a.waitDone(t)
}

func TestUnbannedButBlockedConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Throttle.MaxConsPerIP = 1
	ping := cfg.Throttle.Paths[wire.PathPing]
	ping.Amount = 1
	cfg.Throttle.Paths[wire.PathPing] = ping
	cfg.Throttle.ReqBan.Amount = 1

	// the loop handlers are driven directly so the IP can hold a live
	// connection while its ban runs out
	clock := gate.NewManualClock(t0)
	s, err := NewSession(memdb.NewIPRepository(), cfg, clock, quietLogger(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.runCtx, s.taskCtx = ctx, ctx

	ip := netip.MustParseAddr("10.0.0.1")
	w := s.resolve(ip)
	w.live = 1
	w.rec.Ban = throttle.Ban{Until: t0.Add(time.Minute), Reason: throttle.ReasonTooManyReconnections}
	w.task = startIPManager(ctx, ip.String(), s.repo, s.clock, cfg, s.lgr)
	for _, k := range []throttle.Kind{throttle.Allow, throttle.Blocked, throttle.Banned} {
		if v, _ := w.task.checkThrottle(ctx, wire.PathPing); v.Kind != k {
			t.Fatalf("request = %s, want %s", v, k)
		}
	}

	tx := make(chan any, 8)
	s.listeners.Add(&listener{conID: uuid.New(), key: wire.RouteKey{3}, tx: tx, done: make(chan struct{})})

	clock.Advance(2 * time.Minute)
	adm := s.onAdmit(netip.AddrPortFrom(ip, 4000))
	if adm.con != nil || adm.verdict.Kind != throttle.UnbannedAndBlocked {
		t.Fatalf("admission = %s (con %v), want unbanned_and_blocked", adm.verdict, adm.con != nil)
	}

	want := []wire.Event{wire.ConBlocked{IP: "10.0.0.1", Total: 1}, wire.IPUnbanned{IP: "10.0.0.1"}}
	for i, exp := range want {
		select {
		case m := <-tx:
			_, ev, err := wire.DecodeEvent(m.(sendFrame).frame)
			if err != nil || ev != exp {
				t.Fatalf("event %d = %#v, %v, want %#v", i, ev, err, exp)
			}
		default:
			t.Fatalf("event %d missing, want %#v", i, exp)
		}
	}

	// the request ban outlasts the connection ban; only the unban clears it
	if v, _ := w.task.checkThrottle(ctx, wire.PathPing); v.Kind == throttle.AlreadyBanned {
		t.Fatalf("request after the unban = %s", v)
	}
}

func TestUnknownPathGetsError(t *testing.T) {
	s, _ := startSession(t, testConfig(), memdb.NewIPRepository())
	a := connect(t, s, "10.0.0.1:4000")

	key := wire.RouteKey{8}
	a.request(t, key, "gallery", false)
	got, ev := a.next(t)
	e, ok := ev.(wire.Error)
	if !ok || got != key {
		t.Fatalf("reply = %#v on %s, want an error on %s", ev, got, key)
	}
	if !strings.Contains(e.Message, "unknown request path") {
		t.Errorf("error message = %q", e.Message)
	}
}

func TestAlreadyBannedTotalsArePersisted(t *testing.T) {
	tests := []struct {
		name  string
		flush func(t *testing.T, s *Session, cancel context.CancelFunc)
	}{
		{"shutdown", func(t *testing.T, s *Session, cancel context.CancelFunc) {
			cancel()
			<-s.Done()
		}},
		{"eviction", func(t *testing.T, s *Session, cancel context.CancelFunc) {
			// parking a second banned IP pushes the first out of the cache
			banByOverflow(t, s, "10.0.0.2")
			if _, err := s.Snapshot(context.Background()); err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Throttle.MaxConsPerIP = 1
			cfg.Throttle.ConOverflow.Amount = 1
			cfg.ParkedIPCache = 1
			repo := memdb.NewIPRepository()

			s, err := NewSession(repo, cfg, gate.NewManualClock(t0), quietLogger(), nil)
			if err != nil {
				t.Fatalf("NewSession: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			go func() { _ = s.Run(ctx) }()
			t.Cleanup(func() {
				cancel()
				<-s.Done()
			})

			banByOverflow(t, s, "10.0.0.1")
			for i := 0; i < 3; i++ {
				if _, v := admit(t, s, "10.0.0.1:5000"); v.Kind != throttle.AlreadyBanned {
					t.Fatalf("attempt %d = %s, want already_banned", i, v)
				}
			}

			tt.flush(t, s, cancel)

			rec, err := repo.LoadIPRecord(context.Background(), "10.0.0.1")
			if err != nil || rec == nil {
				t.Fatalf("LoadIPRecord = %v, %v", rec, err)
			}
			if rec.Totals.AlreadyBanned != 3 || rec.Totals.Banned != 1 {
				t.Errorf("stored totals = %+v, want 3 already banned and 1 banned", rec.Totals)
			}
		})
	}
}

// banByOverflow bans ip through the connection ceiling and waits until
// its connection is gone, leaving the IP parked.
func banByOverflow(t *testing.T, s *Session, ip string) {
	t.Helper()
	a := connect(t, s, ip+":4000")
	if _, v := admit(t, s, ip+":4001"); v.Kind != throttle.Blocked {
		t.Fatalf("over the ceiling = %s, want blocked", v)
	}
	if _, v := admit(t, s, ip+":4002"); v.Kind != throttle.Banned {
		t.Fatalf("overflow = %s, want banned", v)
	}
	a.waitDone(t)
}

func TestUnsubscribedListenerGoesQuiet(t *testing.T) {
	s, _ := startSession(t, testConfig(), memdb.NewIPRepository())

	lst := connect(t, s, "10.0.0.9:4000")
	lst.listen(t, wire.RouteKey{1})
	a := connect(t, s, "10.0.0.1:4000")
	lst.next(t) // con_allowed
	lst.next(t) // connected

	lst.request(t, wire.RouteKey{1}, wire.PathLiveStats, false)
	if _, ev := lst.next(t); ev != (wire.ReqAllowed{ConID: lst.con.ID.String(), Path: wire.PathLiveStats, Total: 2}) {
		t.Fatalf("after unsubscribing = %#v, want its own req_allowed", ev)
	}
	// lets the unsubscription settle
	lst.quiet(t, 100*time.Millisecond)

	a.request(t, wire.RouteKey{2}, wire.PathPing, false)
	if _, ev := a.next(t); ev.Kind() != wire.KindPong {
		t.Fatalf("reply = %#v, want pong", ev)
	}
	lst.quiet(t, 200*time.Millisecond)
}

package services

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"cloud.google.com/go/logging"
	"github.com/dasiyes/ivmgate/configs/config"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/pkg/wire"
	"github.com/dasiyes/ivmgate/tools/metrics"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Session is the gateway. It lives over the entire service life-cycle, owns
// the state of every IP and admits the incoming websocket connections. All
// of its state is touched by the Run loop only; other goroutines talk to it
// through messages.
type Session struct {
	ctl       chan any
	done      chan struct{}
	ips       map[netip.Addr]*wsIP
	parked    *lru.Cache[netip.Addr, *wsIP]
	listeners *ledger
	repo      gate.IPRepo
	clock     gate.Clock
	cfg       *config.ServiceConfig
	limits    throttle.ConnLimits
	slgr      *log.Logger
	lgr       *log.Entry
	audit     auditor
	closing   bool

	runCtx      context.Context
	taskCtx     context.Context
	cancelTasks context.CancelFunc
}

// NewSession creates the gateway. A nil clock means the system clock, a nil
// slgr a JSON logrus logger, and a nil clgr disables the cloud audit trail.
func NewSession(repo gate.IPRepo, cfg *config.ServiceConfig, clock gate.Clock, slgr *log.Logger, clgr *logging.Logger) (*Session, error) {
	if repo == nil || cfg == nil {
		return nil, fmt.Errorf("session requires a repository and a configuration")
	}
	if clock == nil {
		clock = gate.SystemClock{}
	}
	if slgr == nil {
		slgr = &log.Logger{
			Out:       os.Stderr,
			Level:     log.InfoLevel,
			Formatter: &log.JSONFormatter{DisableHTMLEscape: true},
			Hooks:     make(log.LevelHooks),
		}
	}

	s := &Session{
		ctl:       make(chan any, sessionInbox),
		done:      make(chan struct{}),
		ips:       make(map[netip.Addr]*wsIP),
		listeners: NewLedger(),
		repo:      repo,
		clock:     clock,
		cfg:       cfg,
		limits:    cfg.GetConnLimits(),
		slgr:      slgr,
		lgr:       slgr.WithField("component", "gateway"),
	}
	s.audit = auditor{clgr: clgr, lgr: slgr.WithField("component", "audit")}

	size := cfg.ParkedIPCache
	if size <= 0 {
		size = 1024
	}
	parked, err := lru.NewWithEvict[netip.Addr, *wsIP](size, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("unable to create the parked ip cache: %w", err)
	}
	s.parked = parked

	return s, nil
}

// Run is the gateway loop. It returns after ctx is cancelled and the
// shutdown completed.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.taskCtx, s.cancelTasks = context.WithCancel(context.WithoutCancel(ctx))
	defer close(s.done)
	defer s.cancelTasks()

	interval := s.cfg.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	monitorTicker := time.NewTicker(interval)
	defer monitorTicker.Stop()

	s.lgr.Info("[Run] gateway session started")
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case msg := <-s.ctl:
			s.handle(msg)
		case <-monitorTicker.C:
			s.monitor()
		}
	}
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case admitMsg:
		m.reply <- s.onAdmit(m.addr)
	case disconnectedMsg:
		s.onDisconnected(m.ip, m.conID)
	case banMsg:
		s.onBan(m.ip, m.ban)
	case addListenerMsg:
		s.onAddListener(m)
	case removeListenerMsg:
		s.onRemoveListener(m.conID)
	case snapshotMsg:
		m.reply <- s.snapshot()
	default:
		s.lgr.Errorf("[handle] unexpected message %T", msg)
	}
}

// ==== public API ====

// Admit runs connection admission for addr. When the verdict admits, the
// returned Con is registered and must be either Run or Abort-ed.
func (s *Session) Admit(ctx context.Context, addr netip.AddrPort) (*Con, throttle.Verdict, error) {
	reply := make(chan admission, 1)
	if err := s.send(ctx, admitMsg{addr: addr, reply: reply}); err != nil {
		return nil, throttle.Verdict{}, err
	}
	// Once queued the admission is awaited regardless of ctx; giving up
	// here would leak the live count of an admitted Con.
	select {
	case a := <-reply:
		return a.con, a.verdict, a.err
	case <-s.done:
		return nil, throttle.Verdict{}, ErrSessionClosed
	}
}

// Snapshot returns the state of every known IP.
func (s *Session) Snapshot(ctx context.Context) ([]wire.IPStat, error) {
	reply := make(chan []wire.IPStat, 1)
	if err := s.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) send(ctx context.Context, msg any) error {
	select {
	case s.ctl <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyDisconnected must reach the loop for the live count to stay right,
// so it only gives up when the loop is gone.
func (s *Session) notifyDisconnected(ip netip.Addr, id ConID) {
	select {
	case s.ctl <- disconnectedMsg{ip: ip, conID: id}:
	case <-s.done:
	}
}

func (s *Session) requestBan(ctx context.Context, ip netip.Addr, ban throttle.Ban) error {
	return s.send(ctx, banMsg{ip: ip, ban: ban})
}

func (s *Session) subscribe(ctx context.Context, l *listener) ([]wire.IPStat, error) {
	reply := make(chan []wire.IPStat, 1)
	if err := s.send(ctx, addListenerMsg{l: l, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) unsubscribe(id ConID) {
	select {
	case s.ctl <- removeListenerMsg{conID: id}:
	case <-s.done:
	}
}

// ==== loop handlers ====

func (s *Session) onAdmit(addr netip.AddrPort) admission {
	if s.closing {
		return admission{err: ErrSessionClosed}
	}

	ip := addr.Addr().Unmap()
	ips := ip.String()
	w := s.resolve(ip)
	now := s.clock.Now()

	v := throttle.WsIP(&w.rec.Churn, &w.rec.Overflow, &w.live, &w.rec.Ban, s.limits, now)
	total := toInt64(w.rec.Totals.Count(v.Kind))
	metrics.ConVerdict(v.Kind.String())
	if v.Kind == throttle.AlreadyBanned {
		w.dirtyTotals = true
	} else {
		w.flushed = false
	}

	switch v.Kind {
	case throttle.Allow, throttle.UnbannedAndAllow:
		s.listeners.Send(wire.ConAllowed{IP: ips, Total: total}, s.lgr)
	case throttle.Blocked, throttle.UnbannedAndBlocked:
		s.listeners.Send(wire.ConBlocked{IP: ips, Total: total}, s.lgr)
	case throttle.Banned:
		s.listeners.Send(wire.ConBanned{IP: ips, Total: total}, s.lgr)
		s.banIP(w, "connection")
	}
	if v.Unbanned() {
		s.listeners.Send(wire.IPUnbanned{IP: ips}, s.lgr)
		s.audit.unbanned(ips)
		if w.task != nil {
			w.task.unban()
		}
	}

	if !v.Allowed() {
		s.lgr.Debugf("[onAdmit] connection from %s refused: %s", addr, v)
		s.release(w)
		return admission{verdict: v}
	}

	if w.task == nil {
		w.task = startIPManager(s.taskCtx, ips, s.repo, s.clock, s.cfg, s.lgr)
	}
	con := newCon(s, w, addr, s.listeners.Clone())
	w.cons[con.ID] = con
	return admission{con: con, verdict: v}
}

// resolve finds the state of ip: live map, parked cache, storage, or fresh.
func (s *Session) resolve(ip netip.Addr) *wsIP {
	if w, ok := s.ips[ip]; ok {
		return w
	}
	if w, ok := s.parked.Peek(ip); ok {
		w.parked = false
		s.parked.Remove(ip)
		s.ips[ip] = w
		return w
	}

	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.GetStorageTimeout())
	defer cancel()

	rec, err := s.repo.LoadIPRecord(ctx, ip.String())
	if err != nil {
		metrics.StorageError("load_ip_record")
		s.lgr.Errorf("[resolve] unable to load the record of %s, starting fresh: %v", ip, err)
	}
	w := newWsIP(ip, rec)
	if rec == nil {
		w.rec = gate.NewIPRecord(s.clock.Now())
	} else {
		w.flushed = true
	}
	s.ips[ip] = w
	return w
}

func (s *Session) onDisconnected(ip netip.Addr, id ConID) {
	w, ok := s.ips[ip]
	if !ok {
		s.lgr.Errorf("[onDisconnected] no state for %s, con %s", ip, id)
		return
	}
	if _, ok := w.cons[id]; !ok {
		s.lgr.Errorf("[onDisconnected] con %s is not registered under %s", id, ip)
		return
	}
	delete(w.cons, id)
	w.live--
	s.release(w)
}

// release retires an IP without live connections. A banned IP is parked so
// its ban outlives the connections.
func (s *Session) release(w *wsIP) {
	if w.live > 0 {
		return
	}
	if w.task != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.GetStorageTimeout())
		if err := w.task.close(ctx); err != nil {
			s.lgr.Errorf("[release] accounting task of %s did not stop: %v", w.addr, err)
		}
		cancel()
		w.task = nil
	}

	delete(s.ips, w.addr)
	if !w.flushed {
		s.persist(w)
	}
	if w.banned(s.clock.Now()) {
		w.parked = true
		s.parked.Add(w.addr, w)
	}
}

// onEvict persists a parked IP that falls out of the cache.
func (s *Session) onEvict(ip netip.Addr, w *wsIP) {
	if !w.parked {
		return
	}
	w.parked = false
	if w.stale() {
		s.persist(w)
	}
}

func (s *Session) persist(w *wsIP) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetStorageTimeout())
	defer cancel()

	if err := s.repo.UpsertIPRecord(ctx, w.addr.String(), w.rec, s.clock.Now()); err != nil {
		metrics.StorageError("upsert_ip_record")
		s.lgr.Errorf("[persist] unable to store the record of %s: %v", w.addr, err)
		return
	}
	w.flushed = true
	w.dirtyTotals = false
}

func (s *Session) onBan(ip netip.Addr, ban throttle.Ban) {
	w, ok := s.ips[ip]
	if !ok {
		s.lgr.Warnf("[onBan] no state for %s, ban dropped", ip)
		return
	}
	if w.rec.Ban.Active() && !ban.Until.After(w.rec.Ban.Until) {
		return
	}
	w.rec.Ban = ban
	w.flushed = false
	s.banIP(w, "request")
}

// banIP announces the ban recorded on w and disconnects the IP.
func (s *Session) banIP(w *wsIP, trigger string) {
	ips := w.addr.String()
	s.listeners.Send(wire.IPBanned{
		IP:      ips,
		UntilMs: millis(w.rec.Ban.Until),
		Reason:  w.rec.Ban.Reason.String(),
	}, s.lgr)
	metrics.IPBanned(w.rec.Ban.Reason.String())
	s.audit.banned(ips, w.rec.Ban, trigger)
	w.disconnectAll()
}

func (s *Session) onAddListener(m addListenerMsg) {
	s.listeners.Add(m.l)
	m.reply <- s.snapshot()
	s.announce(listenerAdded{l: m.l})
}

func (s *Session) onRemoveListener(id ConID) {
	s.listeners.Remove(id)
	s.announce(listenerRemoved{conID: id})
}

func (s *Session) announce(msg any) {
	for _, w := range s.ips {
		for _, c := range w.cons {
			c.announce(msg, s.lgr)
		}
	}
}

func (s *Session) snapshot() []wire.IPStat {
	stats := make([]wire.IPStat, 0, len(s.ips)+s.parked.Len())
	for _, w := range s.ips {
		stats = append(stats, w.stat())
	}
	for _, ip := range s.parked.Keys() {
		if w, ok := s.parked.Peek(ip); ok {
			stats = append(stats, w.stat())
		}
	}
	sortStats(stats)
	return stats
}

func (s *Session) liveCount() int {
	n := 0
	for _, w := range s.ips {
		n += int(w.live)
	}
	return n
}

// Monitor shows the session state in terms of connections and IPs.
func (s *Session) monitor() {
	var (
		top   string
		topAl uint64
	)
	for ip, w := range s.ips {
		if w.rec.Totals.Allowed > topAl {
			top, topAl = ip.String(), w.rec.Totals.Allowed
		}
	}
	live := s.liveCount()
	s.lgr.WithFields(log.Fields{
		"live":      live,
		"tracked":   len(s.ips),
		"parked":    s.parked.Len(),
		"listeners": s.listeners.Len(),
		"top_ip":    top,
	}).Info("... monitor triggered ...")
	metrics.Occupancy(live, len(s.ips), s.parked.Len(), s.listeners.Len())
	metrics.TopDemandingIP(top, topAl)
}

// shutdown disconnects every Con, drains their teardown for the grace
// period, then stops the accounting tasks and flushes every record.
func (s *Session) shutdown() {
	s.closing = true
	s.lgr.Infof("[shutdown] closing %d connections", s.liveCount())
	for _, w := range s.ips {
		w.disconnectAll()
	}

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
drain:
	for s.liveCount() > 0 {
		select {
		case msg := <-s.ctl:
			s.handle(msg)
		case <-grace.C:
			s.lgr.Warnf("[shutdown] grace period over with %d connections left", s.liveCount())
			break drain
		}
	}

	for _, w := range s.ips {
		if w.task != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.GetStorageTimeout())
			if err := w.task.close(ctx); err != nil {
				s.lgr.Errorf("[shutdown] accounting task of %s did not stop: %v", w.addr, err)
			}
			cancel()
			w.task = nil
		}
		s.persist(w)
	}
	for _, ip := range s.parked.Keys() {
		if w, ok := s.parked.Peek(ip); ok && w.stale() {
			s.persist(w)
		}
	}
	s.lgr.Info("[shutdown] gateway session closed")
}

// TuneConn applies the socket settings to an upgraded connection.
func TuneConn(conn *websocket.Conn, readLimit int64, lgr *log.Entry) {
	// Set read message size limit; oversized frames fail the read
	conn.SetReadLimit(readLimit)

	// SetCloseHandler will be called by the reading methods when the client announced connection close event.
	conn.SetCloseHandler(func(code int, text string) error {
		lgr.Debugf("[SetCloseHandler] client sent close. Code:%d, Msg:%s.", code, text)
		msg := websocket.FormatCloseMessage(code, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			lgr.Debugf("[SetCloseHandler] unable to echo the close frame: %v", err)
		}
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second*2))
		if err != nil {
			lgr.Debugf("[SetPingHandler] Error sending pong message: %v", err)
		}
		return nil
	})
}

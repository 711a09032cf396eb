package services

import (
	"context"

	"github.com/dasiyes/ivmgate/configs/config"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/tools/metrics"
	log "github.com/sirupsen/logrus"
)

// ipManager owns the request throttle state of one IP. It is started by the
// Session when the IP becomes active and closed when its last connection
// goes away. All Cons of the IP share it.
type ipManager struct {
	ip    string
	rec   *gate.PathStatsRecord
	in    chan any
	done  chan struct{}
	repo  gate.IPRepo
	clock gate.Clock
	cfg   *config.ServiceConfig
	lgr   *log.Entry
}

func startIPManager(ctx context.Context, ip string, repo gate.IPRepo, clock gate.Clock, cfg *config.ServiceConfig, lgr *log.Entry) *ipManager {
	m := &ipManager{
		ip:    ip,
		in:    make(chan any, ipTaskInbox),
		done:  make(chan struct{}),
		repo:  repo,
		clock: clock,
		cfg:   cfg,
		lgr:   lgr.WithField("ip", ip),
	}
	go m.run(ctx)
	return m
}

func (m *ipManager) run(ctx context.Context) {
	defer close(m.done)

	m.load(ctx)

	for {
		select {
		case <-ctx.Done():
			m.persist()
			return
		case msg := <-m.in:
			switch msg := msg.(type) {
			case checkThrottleMsg:
				msg.reply <- m.check(msg.path)
			case unbanMsg:
				if !m.rec.Ban.Active() {
					m.lgr.Debug("[ipManager] unban without a request level ban")
					continue
				}
				m.rec.Ban.Clear()
			case closeMsg:
				m.persist()
				return
			default:
				m.lgr.Errorf("[ipManager] unexpected message %T", msg)
			}
		}
	}
}

// load starts from fresh state when nothing is stored or storage fails.
func (m *ipManager) load(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, m.cfg.GetStorageTimeout())
	defer cancel()

	rec, err := m.repo.LoadPathStats(lctx, m.ip)
	switch {
	case err != nil:
		metrics.StorageError("load_path_stats")
		m.lgr.Errorf("[ipManager] unable to load path stats, starting fresh: %v", err)
		m.rec = gate.NewPathStatsRecord()
	case rec == nil:
		m.rec = gate.NewPathStatsRecord()
	default:
		m.rec = rec
	}
	if m.rec.Paths == nil {
		m.rec.Paths = make(map[string]*gate.PathStat)
	}
}

// persist uses its own deadline; the task context may already be cancelled.
func (m *ipManager) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GetStorageTimeout())
	defer cancel()

	if err := m.repo.UpsertPathStats(ctx, m.ip, m.rec, m.clock.Now()); err != nil {
		metrics.StorageError("upsert_path_stats")
		m.lgr.Errorf("[ipManager] unable to persist path stats: %v", err)
	}
}

func (m *ipManager) check(path string) throttle.Verdict {
	now := m.clock.Now()
	st, ok := m.rec.Paths[path]
	if !ok {
		st = gate.NewPathStat(now)
		m.rec.Paths[path] = st
	}

	v := throttle.Double(&st.Block, &st.BanTracker, m.cfg.GetPathThreshold(path), m.cfg.GetReqBanPolicy(), &m.rec.Ban, now)
	st.Totals.Count(v.Kind)
	metrics.ReqVerdict(path, v.Kind.String())
	return v
}

// checkThrottle asks the task for a verdict on one request of path.
func (m *ipManager) checkThrottle(ctx context.Context, path string) (throttle.Verdict, error) {
	reply := make(chan throttle.Verdict, 1)
	select {
	case m.in <- checkThrottleMsg{path: path, reply: reply}:
	case <-m.done:
		return throttle.Verdict{}, errTaskClosed
	case <-ctx.Done():
		return throttle.Verdict{}, ctx.Err()
	}

	select {
	case v := <-reply:
		return v, nil
	case <-m.done:
		return throttle.Verdict{}, errTaskClosed
	case <-ctx.Done():
		return throttle.Verdict{}, ctx.Err()
	}
}

func (m *ipManager) unban() {
	select {
	case m.in <- unbanMsg{}:
	case <-m.done:
	}
}

// close asks the task to persist and stop, then awaits it.
func (m *ipManager) close(ctx context.Context) error {
	select {
	case m.in <- closeMsg{}:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

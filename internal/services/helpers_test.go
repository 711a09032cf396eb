package services

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dasiyes/ivmgate/configs/config"
	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/pkg/wire"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSocket stands in for a websocket connection: the test writes client
// frames to in and reads server frames from out.
type fakeSocket struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	once      sync.Once
	mu        sync.Mutex
	closeCode int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return websocket.BinaryMessage, b, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return websocket.ErrCloseSent
	}
}

func (f *fakeSocket) WriteControl(mt int, data []byte, _ time.Time) error {
	if mt == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(binary.BigEndian.Uint16(data))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

type testCon struct {
	con     *Con
	sock    *fakeSocket
	done    chan struct{}
	verdict throttle.Verdict
}

func quietLogger() *log.Logger {
	l := log.New()
	l.Out = io.Discard
	return l
}

func testConfig() *config.ServiceConfig {
	cfg := config.Default()
	cfg.ShutdownGrace = 2 * time.Second
	cfg.MonitorInterval = time.Hour
	cfg.WsioopTimeOut = 0
	return cfg
}

func startSession(t *testing.T, cfg *config.ServiceConfig, repo gate.IPRepo) (*Session, *gate.ManualClock) {
	t.Helper()
	clock := gate.NewManualClock(t0)
	s, err := NewSession(repo, cfg, clock, quietLogger(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s, clock
}

func admit(t *testing.T, s *Session, addr string) (*Con, throttle.Verdict) {
	t.Helper()
	con, v, err := s.Admit(context.Background(), netip.MustParseAddrPort(addr))
	if err != nil {
		t.Fatalf("Admit(%s): %v", addr, err)
	}
	return con, v
}

func connect(t *testing.T, s *Session, addr string) *testCon {
	t.Helper()
	con, v := admit(t, s, addr)
	if con == nil {
		t.Fatalf("connection from %s refused: %s", addr, v)
	}
	tc := &testCon{con: con, sock: newFakeSocket(), done: make(chan struct{}), verdict: v}
	go func() {
		defer close(tc.done)
		con.Run(context.Background(), tc.sock)
	}()
	return tc
}

func (tc *testCon) request(t *testing.T, key wire.RouteKey, path string, enabled bool) {
	t.Helper()
	b, err := wire.EncodeRequest(wire.ClientRequest{RouteKey: key, Path: path, Enabled: enabled})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	tc.sock.in <- b
}

func (tc *testCon) next(t *testing.T) (wire.RouteKey, wire.Event) {
	t.Helper()
	select {
	case f := <-tc.sock.out:
		key, ev, err := wire.DecodeEvent(f)
		if err != nil {
			t.Fatalf("DecodeEvent: %v", err)
		}
		return key, ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event for con %s within 2s", tc.con.ID)
	}
	return wire.RouteKey{}, nil
}

// quiet fails when another frame shows up within d.
func (tc *testCon) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-tc.sock.out:
		_, ev, _ := wire.DecodeEvent(f)
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(d):
	}
}

func (tc *testCon) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-tc.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("con %s still running", tc.con.ID)
	}
}

// leave closes the client side and waits for the teardown.
func (tc *testCon) leave(t *testing.T) {
	t.Helper()
	_ = tc.sock.Close()
	tc.waitDone(t)
}

func findStat(stats []wire.IPStat, ip string) (wire.IPStat, bool) {
	for _, st := range stats {
		if st.IP == ip {
			return st, true
		}
	}
	return wire.IPStat{}, false
}

var errStorageDown = errors.New("storage down")

type failingRepo struct{}

func (failingRepo) LoadIPRecord(context.Context, string) (*gate.IPRecord, error) {
	return nil, errStorageDown
}

func (failingRepo) UpsertIPRecord(context.Context, string, *gate.IPRecord, time.Time) error {
	return errStorageDown
}

func (failingRepo) LoadPathStats(context.Context, string) (*gate.PathStatsRecord, error) {
	return nil, errStorageDown
}

func (failingRepo) UpsertPathStats(context.Context, string, *gate.PathStatsRecord, time.Time) error {
	return errStorageDown
}

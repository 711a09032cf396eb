package services

import (
	"errors"
	"net/netip"

	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/dasiyes/ivmgate/internal/throttle"
	"github.com/dasiyes/ivmgate/pkg/wire"
	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned to callers reaching a gateway that has
	// stopped or is shutting down.
	ErrSessionClosed = errors.New("session closed")
	errTaskClosed    = errors.New("ip accounting task closed")
)

// ConID identifies one live connection.
type ConID = uuid.UUID

// Buffer sizes of the actor inboxes.
const (
	sessionInbox  = 256
	ipTaskInbox   = 64
	conCtlInbox   = 256
	conAnnInbox   = 64
	unknownPathID = "unknown"
)

// ==== messages handled by the Session loop ====

type admitMsg struct {
	addr  netip.AddrPort
	reply chan admission
}

type admission struct {
	con     *Con
	verdict throttle.Verdict
	err     error
}

type disconnectedMsg struct {
	ip    netip.Addr
	conID ConID
}

// banMsg escalates a request level ban to the whole IP.
type banMsg struct {
	ip  netip.Addr
	ban throttle.Ban
}

type addListenerMsg struct {
	l     *listener
	reply chan []wire.IPStat
}

type removeListenerMsg struct {
	conID ConID
}

type snapshotMsg struct {
	reply chan []wire.IPStat
}

// ==== messages handled by an ipManager ====

type checkThrottleMsg struct {
	path  string
	reply chan throttle.Verdict
}

type unbanMsg struct{}

type closeMsg struct{}

// ==== messages handled by a Con loop ====

// sendFrame is an encoded frame to be written as is.
type sendFrame struct {
	frame []byte
}

// sendEvent is written to the socket addressed by key.
type sendEvent struct {
	key wire.RouteKey
	ev  wire.Event
}

type setLiveStats struct {
	key     wire.RouteKey
	enabled bool
}

// reqVerdict is the outcome of one request task.
type reqVerdict struct {
	key     wire.RouteKey
	path    string
	verdict throttle.Verdict
}

type stopMsg struct{}

// announcements go from the Session to every Con.
type listenerAdded struct {
	l *listener
}

type listenerRemoved struct {
	conID ConID
}

// reqCounter is the display tally of one path on one connection.
type reqCounter = gate.Totals

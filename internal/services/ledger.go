package services

import (
	"github.com/dasiyes/ivmgate/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// listener is a connection subscribed to live statistics. done is closed
// when the connection terminates, off when it unsubscribes.
type listener struct {
	conID ConID
	key   wire.RouteKey
	tx    chan<- any
	done  <-chan struct{}
	off   chan struct{}
}

// closed reports whether the subscription has ended.
func (l *listener) closed() bool {
	select {
	case <-l.done:
		return true
	case <-l.off:
		return true
	default:
		return false
	}
}

// deliver hands ev to the listener without blocking. It returns false when
// the listener is gone.
func (l *listener) deliver(ev wire.Event, lgr *log.Entry) bool {
	if l.closed() {
		return false
	}
	frame, err := wire.EncodeEvent(l.key, ev)
	if err != nil {
		lgr.Errorf("[deliver] unable to encode %s: %v", ev.Kind(), err)
		return true
	}
	select {
	case l.tx <- sendFrame{frame: frame}:
	case <-l.done:
		return false
	case <-l.off:
		return false
	default:
		lgr.Warnf("[deliver] listener %s is lagging, %s dropped", l.conID, ev.Kind())
	}
	return true
}

// ledger keeps the listeners known to one goroutine. Every Con and the
// Session own a separate copy, so there is no locking.
type ledger struct {
	subscribers map[ConID]*listener
}

func NewLedger() *ledger {
	return &ledger{subscribers: make(map[ConID]*listener)}
}

// Add will add the listener under its connection id if there is no live
// subscription under that key and return true. Otherwise it does nothing.
func (l *ledger) Add(lst *listener) bool {
	if cur, ok := l.subscribers[lst.conID]; ok && !cur.closed() {
		return false
	}
	l.subscribers[lst.conID] = lst
	return true
}

func (l *ledger) Remove(id ConID) {
	delete(l.subscribers, id)
}

func (l *ledger) Len() int {
	return len(l.subscribers)
}

func (l *ledger) Get(id ConID) *listener {
	return l.subscribers[id]
}

// Clone returns a copy sharing the listeners.
func (l *ledger) Clone() *ledger {
	c := &ledger{subscribers: make(map[ConID]*listener, len(l.subscribers))}
	for k, v := range l.subscribers {
		c.subscribers[k] = v
	}
	return c
}

// Send fans ev out to every listener. Terminated listeners are dropped.
func (l *ledger) Send(ev wire.Event, lgr *log.Entry) {
	for id, lst := range l.subscribers {
		if !lst.deliver(ev, lgr) {
			delete(l.subscribers, id)
		}
	}
}

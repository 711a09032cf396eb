// Package wire defines the frames exchanged with gateway clients. Every
// frame is a binary websocket message carrying an avro envelope addressed by
// a route key chosen by the client.
package wire

import "encoding/hex"

// RouteKey correlates replies and subscriptions with the client request
// that opened them.
type RouteKey [16]byte

func (k RouteKey) String() string {
	return hex.EncodeToString(k[:])
}

// Request paths. The path is also the throttling key.
const (
	PathLiveStats = "live_stats"
	PathIPStats   = "ip_stats"
	PathPing      = "ping"
)

// ClientRequest is the decoded client envelope.
type ClientRequest struct {
	RouteKey RouteKey `avro:"route_key"`
	Path     string   `avro:"path"`
	Enabled  bool     `avro:"enabled"`
	Body     []byte   `avro:"body"`
}

type Kind string

const (
	KindConAllowed      Kind = "con_allowed"
	KindConBlocked      Kind = "con_blocked"
	KindConBanned       Kind = "con_banned"
	KindIPBanned        Kind = "ip_banned"
	KindIPUnbanned      Kind = "ip_unbanned"
	KindConnected       Kind = "connected"
	KindDisconnected    Kind = "disconnected"
	KindSnapshot        Kind = "ip_connections_snapshot"
	KindReqAllowed      Kind = "req_allowed"
	KindReqBlocked      Kind = "req_blocked"
	KindReqBanned       Kind = "req_banned"
	KindTooManyRequests Kind = "too_many_requests"
	KindPong            Kind = "pong"
	KindError           Kind = "error"
)

// Event is a server to client payload.
type Event interface {
	Kind() Kind
}

type ConAllowed struct {
	IP    string `avro:"ip"`
	Total int64  `avro:"total"`
}

type ConBlocked struct {
	IP    string `avro:"ip"`
	Total int64  `avro:"total"`
}

type ConBanned struct {
	IP    string `avro:"ip"`
	Total int64  `avro:"total"`
}

type IPBanned struct {
	IP      string `avro:"ip"`
	UntilMs int64  `avro:"until_ms"`
	Reason  string `avro:"reason"`
}

type IPUnbanned struct {
	IP string `avro:"ip"`
}

// PathCount is the per path request tally of one connection.
type PathCount struct {
	Path          string `avro:"path" json:"path"`
	Allowed       int64  `avro:"allowed" json:"allowed"`
	Blocked       int64  `avro:"blocked" json:"blocked"`
	Banned        int64  `avro:"banned" json:"banned"`
	AlreadyBanned int64  `avro:"already_banned" json:"already_banned"`
}

type Connected struct {
	IP            string      `avro:"ip"`
	Addr          string      `avro:"addr"`
	ConID         string      `avro:"con_id"`
	Banned        bool        `avro:"banned"`
	BannedUntilMs int64       `avro:"banned_until_ms"`
	BanReason     string      `avro:"ban_reason"`
	ReqStats      []PathCount `avro:"req_stats"`
}

type Disconnected struct {
	ConID string `avro:"con_id"`
}

// IPStat is one row of a snapshot.
type IPStat struct {
	IP            string `avro:"ip" json:"ip"`
	BannedUntilMs int64  `avro:"banned_until_ms" json:"banned_until_ms"`
	BanReason     string `avro:"ban_reason" json:"ban_reason"`
	Allowed       int64  `avro:"allowed" json:"allowed"`
	Blocked       int64  `avro:"blocked" json:"blocked"`
	Banned        int64  `avro:"banned" json:"banned"`
	AlreadyBanned int64  `avro:"already_banned" json:"already_banned"`
	Live          int64  `avro:"live" json:"live"`
}

type IPConnectionsSnapshot struct {
	IPs []IPStat `avro:"ips"`
}

type ReqAllowed struct {
	ConID string `avro:"con_id"`
	Path  string `avro:"path"`
	Total int64  `avro:"total"`
}

type ReqBlocked struct {
	ConID string `avro:"con_id"`
	Path  string `avro:"path"`
	Total int64  `avro:"total"`
}

type ReqBanned struct {
	ConID string `avro:"con_id"`
	Path  string `avro:"path"`
	Total int64  `avro:"total"`
}

type TooManyRequests struct {
	Path string `avro:"path"`
}

type Pong struct {
	AtMs int64 `avro:"at_ms"`
}

type Error struct {
	Message string `avro:"message"`
}

func (ConAllowed) Kind() Kind            { return KindConAllowed }
func (ConBlocked) Kind() Kind            { return KindConBlocked }
func (ConBanned) Kind() Kind             { return KindConBanned }
func (IPBanned) Kind() Kind              { return KindIPBanned }
func (IPUnbanned) Kind() Kind            { return KindIPUnbanned }
func (Connected) Kind() Kind             { return KindConnected }
func (Disconnected) Kind() Kind          { return KindDisconnected }
func (IPConnectionsSnapshot) Kind() Kind { return KindSnapshot }
func (ReqAllowed) Kind() Kind            { return KindReqAllowed }
func (ReqBlocked) Kind() Kind            { return KindReqBlocked }
func (ReqBanned) Kind() Kind             { return KindReqBanned }
func (TooManyRequests) Kind() Kind       { return KindTooManyRequests }
func (Pong) Kind() Kind                  { return KindPong }
func (Error) Kind() Kind                 { return KindError }

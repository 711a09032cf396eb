package wire

import "github.com/hamba/avro"

var (
	clientSchema = avro.MustParse(`{
		"type": "record", "name": "ClientEnvelope", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "route_key", "type": {"type": "fixed", "name": "ClientRouteKey", "size": 16}},
			{"name": "path", "type": "string"},
			{"name": "enabled", "type": "boolean"},
			{"name": "body", "type": "bytes"}
		]
	}`)

	serverSchema = avro.MustParse(`{
		"type": "record", "name": "ServerEnvelope", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "route_key", "type": {"type": "fixed", "name": "ServerRouteKey", "size": 16}},
			{"name": "kind", "type": "string"},
			{"name": "payload", "type": "bytes"}
		]
	}`)

	conCountSchema = avro.MustParse(`{
		"type": "record", "name": "ConCount", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "ip", "type": "string"},
			{"name": "total", "type": "long"}
		]
	}`)

	ipBannedSchema = avro.MustParse(`{
		"type": "record", "name": "IPBanned", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "ip", "type": "string"},
			{"name": "until_ms", "type": "long"},
			{"name": "reason", "type": "string"}
		]
	}`)

	ipUnbannedSchema = avro.MustParse(`{
		"type": "record", "name": "IPUnbanned", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "ip", "type": "string"}
		]
	}`)

	connectedSchema = avro.MustParse(`{
		"type": "record", "name": "Connected", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "ip", "type": "string"},
			{"name": "addr", "type": "string"},
			{"name": "con_id", "type": "string"},
			{"name": "banned", "type": "boolean"},
			{"name": "banned_until_ms", "type": "long"},
			{"name": "ban_reason", "type": "string"},
			{"name": "req_stats", "type": {"type": "array", "items": {
				"type": "record", "name": "PathCount",
				"fields": [
					{"name": "path", "type": "string"},
					{"name": "allowed", "type": "long"},
					{"name": "blocked", "type": "long"},
					{"name": "banned", "type": "long"},
					{"name": "already_banned", "type": "long"}
				]
			}}}
		]
	}`)

	disconnectedSchema = avro.MustParse(`{
		"type": "record", "name": "Disconnected", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "con_id", "type": "string"}
		]
	}`)

	snapshotSchema = avro.MustParse(`{
		"type": "record", "name": "IPConnectionsSnapshot", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "ips", "type": {"type": "array", "items": {
				"type": "record", "name": "IPStat",
				"fields": [
					{"name": "ip", "type": "string"},
					{"name": "banned_until_ms", "type": "long"},
					{"name": "ban_reason", "type": "string"},
					{"name": "allowed", "type": "long"},
					{"name": "blocked", "type": "long"},
					{"name": "banned", "type": "long"},
					{"name": "already_banned", "type": "long"},
					{"name": "live", "type": "long"}
				]
			}}}
		]
	}`)

	reqCountSchema = avro.MustParse(`{
		"type": "record", "name": "ReqCount", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "con_id", "type": "string"},
			{"name": "path", "type": "string"},
			{"name": "total", "type": "long"}
		]
	}`)

	tooManyRequestsSchema = avro.MustParse(`{
		"type": "record", "name": "TooManyRequests", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "path", "type": "string"}
		]
	}`)

	pongSchema = avro.MustParse(`{
		"type": "record", "name": "Pong", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "at_ms", "type": "long"}
		]
	}`)

	errorSchema = avro.MustParse(`{
		"type": "record", "name": "Error", "namespace": "ivmgate.wire",
		"fields": [
			{"name": "message", "type": "string"}
		]
	}`)
)

var eventSchemas = map[Kind]avro.Schema{
	KindConAllowed:      conCountSchema,
	KindConBlocked:      conCountSchema,
	KindConBanned:       conCountSchema,
	KindIPBanned:        ipBannedSchema,
	KindIPUnbanned:      ipUnbannedSchema,
	KindConnected:       connectedSchema,
	KindDisconnected:    disconnectedSchema,
	KindSnapshot:        snapshotSchema,
	KindReqAllowed:      reqCountSchema,
	KindReqBlocked:      reqCountSchema,
	KindReqBanned:       reqCountSchema,
	KindTooManyRequests: tooManyRequestsSchema,
	KindPong:            pongSchema,
	KindError:           errorSchema,
}

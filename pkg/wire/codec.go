package wire

import (
	"errors"
	"fmt"

	"github.com/hamba/avro"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownKind = errors.New("unknown event kind")
	ErrUnknownPath = errors.New("unknown request path")
)

type serverEnvelope struct {
	RouteKey RouteKey `avro:"route_key"`
	Kind     string   `avro:"kind"`
	Payload  []byte   `avro:"payload"`
}

// KnownPath reports whether the gateway serves path.
func KnownPath(path string) bool {
	switch path {
	case PathLiveStats, PathIPStats, PathPing:
		return true
	}
	return false
}

// CheckPath returns ErrUnknownPath for a path the gateway does not serve.
func CheckPath(path string) error {
	if !KnownPath(path) {
		return fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}
	return nil
}

// decodeExact reads one record of schema from data. A short frame and a
// frame with bytes left after the record are both malformed.
func decodeExact[T any](schema avro.Schema, data []byte) (v T, err error) {
	var zero T
	// a hostile length prefix can make the reader allocate out of range
	defer func() {
		if p := recover(); p != nil {
			v, err = zero, fmt.Errorf("%w: %v", ErrMalformed, p)
		}
	}()

	r := avro.NewReader(nil, 0).Reset(data)
	r.ReadVal(schema, &v)
	if r.Error != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformed, r.Error)
	}

	// avro records carry no length; re-encoding gives the consumed size
	b, merr := avro.Marshal(schema, v)
	if merr != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformed, merr)
	}
	if len(b) != len(data) {
		return zero, fmt.Errorf("%w: frame has %d bytes, record takes %d", ErrMalformed, len(data), len(b))
	}
	return v, nil
}

func EncodeRequest(req ClientRequest) ([]byte, error) {
	b, err := avro.Marshal(clientSchema, req)
	if err != nil {
		return nil, fmt.Errorf("unable to encode request %q: %w", req.Path, err)
	}
	return b, nil
}

func DecodeRequest(data []byte) (ClientRequest, error) {
	return decodeExact[ClientRequest](clientSchema, data)
}

// EncodeEvent wraps ev into a server envelope addressed by key.
func EncodeEvent(key RouteKey, ev Event) ([]byte, error) {
	sch, ok := eventSchemas[ev.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind())
	}
	payload, err := avro.Marshal(sch, ev)
	if err != nil {
		return nil, fmt.Errorf("unable to encode %s payload: %w", ev.Kind(), err)
	}
	b, err := avro.Marshal(serverSchema, serverEnvelope{RouteKey: key, Kind: string(ev.Kind()), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("unable to encode %s envelope: %w", ev.Kind(), err)
	}
	return b, nil
}

func DecodeEvent(data []byte) (RouteKey, Event, error) {
	env, err := decodeExact[serverEnvelope](serverSchema, data)
	if err != nil {
		return RouteKey{}, nil, err
	}
	ev, err := decodePayload(Kind(env.Kind), env.Payload)
	if err != nil {
		return env.RouteKey, nil, err
	}
	return env.RouteKey, ev, nil
}

func decodeAs[T Event](k Kind, payload []byte) (Event, error) {
	ev, err := decodeExact[T](eventSchemas[k], payload)
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", k, err)
	}
	return ev, nil
}

func decodePayload(k Kind, payload []byte) (Event, error) {
	switch k {
	case KindConAllowed:
		return decodeAs[ConAllowed](k, payload)
	case KindConBlocked:
		return decodeAs[ConBlocked](k, payload)
	case KindConBanned:
		return decodeAs[ConBanned](k, payload)
	case KindIPBanned:
		return decodeAs[IPBanned](k, payload)
	case KindIPUnbanned:
		return decodeAs[IPUnbanned](k, payload)
	case KindConnected:
		return decodeAs[Connected](k, payload)
	case KindDisconnected:
		return decodeAs[Disconnected](k, payload)
	case KindSnapshot:
		return decodeAs[IPConnectionsSnapshot](k, payload)
	case KindReqAllowed:
		return decodeAs[ReqAllowed](k, payload)
	case KindReqBlocked:
		return decodeAs[ReqBlocked](k, payload)
	case KindReqBanned:
		return decodeAs[ReqBanned](k, payload)
	case KindTooManyRequests:
		return decodeAs[TooManyRequests](k, payload)
	case KindPong:
		return decodeAs[Pong](k, payload)
	case KindError:
		return decodeAs[Error](k, payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
}

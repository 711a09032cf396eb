package throttle

import (
	"fmt"
	"time"
)

// BanReason names the offense that produced a ban.
type BanReason uint8

const (
	ReasonNone BanReason = iota
	ReasonTooManyReconnections
	ReasonConFlickerDetected
	ReasonRouteBruteForceDetected
)

func (r BanReason) String() string {
	switch r {
	case ReasonTooManyReconnections:
		return "ws_too_many_reconnections"
	case ReasonConFlickerDetected:
		return "ws_con_flicker_detected"
	case ReasonRouteBruteForceDetected:
		return "ws_route_brute_force_detected"
	default:
		return "none"
	}
}

// ParseBanReason is the inverse of BanReason.String.
func ParseBanReason(s string) (BanReason, error) {
	switch s {
	case "ws_too_many_reconnections":
		return ReasonTooManyReconnections, nil
	case "ws_con_flicker_detected":
		return ReasonConFlickerDetected, nil
	case "ws_route_brute_force_detected":
		return ReasonRouteBruteForceDetected, nil
	case "none", "":
		return ReasonNone, nil
	}
	return ReasonNone, fmt.Errorf("unknown ban reason %q", s)
}

// Ban is a ban record. The zero value means not banned.
type Ban struct {
	Until  time.Time
	Reason BanReason
}

// Active reports whether a ban is recorded, expired or not.
func (b Ban) Active() bool {
	return !b.Until.IsZero()
}

func (b *Ban) Clear() {
	*b = Ban{}
}

// Kind is the closed set of verdicts.
type Kind uint8

const (
	Allow Kind = iota
	UnbannedAndAllow
	Blocked
	UnbannedAndBlocked
	Banned
	AlreadyBanned
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case UnbannedAndAllow:
		return "unbanned_and_allow"
	case Blocked:
		return "blocked"
	case UnbannedAndBlocked:
		return "unbanned_and_blocked"
	case Banned:
		return "banned"
	case AlreadyBanned:
		return "already_banned"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// severity ranks verdicts for Worst.
func (k Kind) severity() int {
	switch k {
	case AlreadyBanned:
		return 5
	case Banned:
		return 4
	case UnbannedAndBlocked:
		return 3
	case Blocked:
		return 2
	case UnbannedAndAllow:
		return 1
	default:
		return 0
	}
}

// Verdict is the outcome of a throttle evaluation. Until and Reason are set
// only for Banned.
type Verdict struct {
	Kind   Kind
	Until  time.Time
	Reason BanReason
}

func (v Verdict) String() string {
	if v.Kind == Banned {
		return fmt.Sprintf("banned(%s, %s)", v.Until.UTC().Format(time.RFC3339), v.Reason)
	}
	return v.Kind.String()
}

// Allowed reports whether the verdict lets the event through.
func (v Verdict) Allowed() bool {
	return v.Kind == Allow || v.Kind == UnbannedAndAllow
}

// Unbanned reports whether the evaluation lifted an expired ban.
func (v Verdict) Unbanned() bool {
	return v.Kind == UnbannedAndAllow || v.Kind == UnbannedAndBlocked
}

func verdict(k Kind) Verdict {
	return Verdict{Kind: k}
}

func bannedVerdict(b Ban) Verdict {
	return Verdict{Kind: Banned, Until: b.Until, Reason: b.Reason}
}

// Worst returns the more severe of a and b, keeping a on a tie.
func Worst(a, b Verdict) Verdict {
	if b.Kind.severity() > a.Kind.severity() {
		return b
	}
	return a
}

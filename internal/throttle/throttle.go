package throttle

import "time"

// BanState is the result of IsBanned.
type BanState uint8

const (
	NotBanned BanState = iota
	StillBanned
	Unbanned
)

// IsBanned checks ban against now. An expired ban is cleared and reported
// as Unbanned exactly once.
func IsBanned(ban *Ban, now time.Time) BanState {
	if !ban.Active() {
		return NotBanned
	}
	if now.Before(ban.Until) {
		return StillBanned
	}
	ban.Clear()
	return Unbanned
}

// Policy is a threshold together with the ban it escalates to.
type Policy struct {
	Threshold   Threshold
	BanDuration time.Duration
	BanReason   BanReason
}

func (p Policy) ban(b *Ban, now time.Time) Verdict {
	*b = Ban{Until: now.Add(p.BanDuration), Reason: p.BanReason}
	return bannedVerdict(*b)
}

func pick(unbanned bool, ifUnbanned, otherwise Kind) Verdict {
	if unbanned {
		return verdict(ifUnbanned)
	}
	return verdict(otherwise)
}

// Simple bans once t exceeds p.Threshold. The caller increments t.Count
// for every event it lets through.
func Simple(t *Tracker, p Policy, ban *Ban, now time.Time) Verdict {
	switch IsBanned(ban, now) {
	case StillBanned:
		return verdict(AlreadyBanned)
	case Unbanned:
		t.Reset(now)
		return verdict(UnbannedAndAllow)
	}

	if !ThresholdAllow(t, p.Threshold, now) {
		return p.ban(ban, now)
	}
	return verdict(Allow)
}

// Ranged admits while *current is below max and increments it. Past the
// ceiling every attempt is Blocked and counted against the overflow tracker,
// until overflow exceeds p.Threshold and the ban is set.
func Ranged(max uint64, current *uint64, overflow *Tracker, p Policy, ban *Ban, now time.Time) Verdict {
	unbanned := false
	switch IsBanned(ban, now) {
	case StillBanned:
		return verdict(AlreadyBanned)
	case Unbanned:
		overflow.Reset(now)
		unbanned = true
	}

	if *current < max {
		*current++
		return pick(unbanned, UnbannedAndAllow, Allow)
	}

	if ThresholdAllow(overflow, p.Threshold, now) {
		overflow.Count++
		return pick(unbanned, UnbannedAndBlocked, Blocked)
	}
	return p.ban(ban, now)
}

// Double is a two tier throttle sharing one ban. Events pass while block
// stays under blockTh. Every blocked event counts once against banT, and
// banT exceeding p.Threshold sets the ban.
func Double(block, banT *Tracker, blockTh Threshold, p Policy, ban *Ban, now time.Time) Verdict {
	unbanned := false
	switch IsBanned(ban, now) {
	case StillBanned:
		return verdict(AlreadyBanned)
	case Unbanned:
		block.Reset(now)
		banT.Reset(now)
		unbanned = true
	}

	if !ThresholdAllow(banT, p.Threshold, now) {
		return p.ban(ban, now)
	}

	if !ThresholdAllow(block, blockTh, now) {
		banT.Count++
		return pick(unbanned, UnbannedAndBlocked, Blocked)
	}

	block.Count++
	return pick(unbanned, UnbannedAndAllow, Allow)
}

// ConnLimits configures connection admission for one IP.
type ConnLimits struct {
	MaxCons  uint64
	Overflow Policy
	Churn    Policy
}

// WsIP is connection admission: the churn check runs first and a failing
// churn verdict is final. Otherwise the ranged ceiling decides, and every
// admitted connection counts against churn.
func WsIP(churn, overflow *Tracker, current *uint64, ban *Ban, l ConnLimits, now time.Time) Verdict {
	c := Simple(churn, l.Churn, ban, now)
	switch c.Kind {
	case Banned, AlreadyBanned, Blocked:
		return c
	}
	unbanned := c.Kind == UnbannedAndAllow
	if unbanned {
		overflow.Reset(now)
	}

	r := Ranged(l.MaxCons, current, overflow, l.Overflow, ban, now)
	switch r.Kind {
	case Allow, UnbannedAndAllow:
		churn.Count++
		return pick(unbanned || r.Unbanned(), UnbannedAndAllow, Allow)
	case Blocked, UnbannedAndBlocked:
		return pick(unbanned || r.Unbanned(), UnbannedAndBlocked, Blocked)
	}
	return r
}

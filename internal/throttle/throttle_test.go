package throttle

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestThresholdAllow(t *testing.T) {
	th := NewThreshold(3, time.Minute)

	tests := []struct {
		name      string
		tracker   Tracker
		now       time.Time
		want      bool
		wantCount uint64
		wantStart time.Time
	}{
		{
			name:      "under amount",
			tracker:   Tracker{Count: 2, StartedAt: t0},
			now:       t0.Add(10 * time.Second),
			want:      true,
			wantCount: 2,
			wantStart: t0,
		},
		{
			name:      "at amount",
			tracker:   Tracker{Count: 3, StartedAt: t0},
			now:       t0.Add(59 * time.Second),
			want:      false,
			wantCount: 3,
			wantStart: t0,
		},
		{
			name:      "window elapsed exactly",
			tracker:   Tracker{Count: 100, StartedAt: t0},
			now:       t0.Add(time.Minute),
			want:      true,
			wantCount: 0,
			wantStart: t0.Add(time.Minute),
		},
		{
			name:      "window elapsed long ago",
			tracker:   Tracker{Count: 7, StartedAt: t0},
			now:       t0.Add(time.Hour),
			want:      true,
			wantCount: 0,
			wantStart: t0.Add(time.Hour),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.tracker
			if got := ThresholdAllow(&tr, th, tt.now); got != tt.want {
				t.Errorf("ThresholdAllow() = %v, want %v", got, tt.want)
			}
			if tr.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", tr.Count, tt.wantCount)
			}
			if !tr.StartedAt.Equal(tt.wantStart) {
				t.Errorf("StartedAt = %v, want %v", tr.StartedAt, tt.wantStart)
			}
		})
	}
}

func TestWorst(t *testing.T) {
	banned := Verdict{Kind: Banned, Until: t0, Reason: ReasonConFlickerDetected}

	tests := []struct {
		name string
		a, b Verdict
		want Verdict
	}{
		{"blocked vs banned", verdict(Blocked), banned, banned},
		{"allow vs already banned", verdict(Allow), verdict(AlreadyBanned), verdict(AlreadyBanned)},
		{"already banned vs banned", verdict(AlreadyBanned), banned, verdict(AlreadyBanned)},
		{"unbanned blocked vs blocked", verdict(UnbannedAndBlocked), verdict(Blocked), verdict(UnbannedAndBlocked)},
		{"allow vs unbanned allow", verdict(Allow), verdict(UnbannedAndAllow), verdict(UnbannedAndAllow)},
		{"tie keeps first", banned, Verdict{Kind: Banned, Until: t0.Add(time.Hour)}, banned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Worst(tt.a, tt.b); got != tt.want {
				t.Errorf("Worst() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsBanned(t *testing.T) {
	ban := Ban{}
	if got := IsBanned(&ban, t0); got != NotBanned {
		t.Fatalf("zero ban: got %v", got)
	}

	ban = Ban{Until: t0.Add(time.Minute), Reason: ReasonTooManyReconnections}
	if got := IsBanned(&ban, t0.Add(59*time.Second)); got != StillBanned {
		t.Fatalf("before expiry: got %v", got)
	}
	if got := IsBanned(&ban, t0.Add(time.Minute)); got != Unbanned {
		t.Fatalf("at expiry: got %v", got)
	}
	if ban.Active() {
		t.Fatalf("expired ban was not cleared: %+v", ban)
	}
	if got := IsBanned(&ban, t0.Add(time.Minute)); got != NotBanned {
		t.Fatalf("second check after expiry: got %v", got)
	}
}

func TestSimple(t *testing.T) {
	p := Policy{
		Threshold:   NewThreshold(3, time.Minute),
		BanDuration: 10 * time.Minute,
		BanReason:   ReasonConFlickerDetected,
	}
	tr := NewTracker(t0)
	ban := Ban{}

	for i := 0; i < 3; i++ {
		if v := Simple(&tr, p, &ban, t0); v.Kind != Allow {
			t.Fatalf("call %d: got %v, want allow", i, v)
		}
		tr.Count++
	}

	v := Simple(&tr, p, &ban, t0)
	if v.Kind != Banned || v.Reason != ReasonConFlickerDetected || !v.Until.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("over threshold: got %v", v)
	}
	if v := Simple(&tr, p, &ban, t0.Add(time.Minute)); v.Kind != AlreadyBanned {
		t.Fatalf("while banned: got %v", v)
	}

	v = Simple(&tr, p, &ban, t0.Add(10*time.Minute))
	if v.Kind != UnbannedAndAllow {
		t.Fatalf("after expiry: got %v", v)
	}
	if tr.Count != 0 || !tr.StartedAt.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("tracker not reset on unban: %+v", tr)
	}
}

func TestRangedCeiling(t *testing.T) {
	p := Policy{
		Threshold:   NewThreshold(10, time.Minute),
		BanDuration: time.Minute,
		BanReason:   ReasonTooManyReconnections,
	}
	overflow := NewTracker(t0)
	ban := Ban{}
	var current uint64

	for i := 0; i < 5; i++ {
		if v := Ranged(5, &current, &overflow, p, &ban, t0); v.Kind != Allow {
			t.Fatalf("admission %d: got %v", i, v)
		}
	}
	if current != 5 {
		t.Fatalf("current = %d, want 5", current)
	}

	for i := 0; i < 20; i++ {
		current--
		if v := Ranged(5, &current, &overflow, p, &ban, t0); v.Kind != Allow {
			t.Fatalf("admission after release %d: got %v", i, v)
		}
	}

	if v := Ranged(5, &current, &overflow, p, &ban, t0); v.Kind != Blocked {
		t.Fatalf("sixth live connection: got %v, want blocked", v)
	}
	if current != 5 || overflow.Count != 1 {
		t.Fatalf("current = %d overflow = %d", current, overflow.Count)
	}
}

func TestRangedOverflowBan(t *testing.T) {
	p := Policy{
		Threshold:   NewThreshold(2, time.Minute),
		BanDuration: time.Minute,
		BanReason:   ReasonTooManyReconnections,
	}
	overflow := NewTracker(t0)
	ban := Ban{}
	current := uint64(1)

	want := []Kind{Blocked, Blocked, Banned, AlreadyBanned}
	for i, w := range want {
		if v := Ranged(1, &current, &overflow, p, &ban, t0); v.Kind != w {
			t.Fatalf("call %d: got %v, want %v", i, v, w)
		}
	}

	// still at the ceiling when the ban lifts
	if v := Ranged(1, &current, &overflow, p, &ban, t0.Add(time.Minute)); v.Kind != UnbannedAndBlocked {
		t.Fatalf("after expiry: got %v", v)
	}
	current = 0
	if v := Ranged(1, &current, &overflow, p, &ban, t0.Add(time.Minute)); v.Kind != Allow {
		t.Fatalf("after release: got %v", v)
	}
}

func TestDoubleEscalation(t *testing.T) {
	blockTh := NewThreshold(10, 10*time.Second)
	p := Policy{
		Threshold:   NewThreshold(10, 10*time.Second),
		BanDuration: time.Minute,
		BanReason:   ReasonRouteBruteForceDetected,
	}
	block := NewTracker(t0)
	banT := NewTracker(t0)
	ban := Ban{}

	for i := 0; i < 10; i++ {
		if v := Double(&block, &banT, blockTh, p, &ban, t0); v.Kind != Allow {
			t.Fatalf("call %d: got %v, want allow", i, v)
		}
	}
	for i := 0; i < 10; i++ {
		if v := Double(&block, &banT, blockTh, p, &ban, t0); v.Kind != Blocked {
			t.Fatalf("call %d: got %v, want blocked", i+10, v)
		}
	}
	if banT.Count != 10 {
		t.Fatalf("ban tracker = %d before ban, want 10", banT.Count)
	}

	v := Double(&block, &banT, blockTh, p, &ban, t0)
	if v.Kind != Banned || v.Reason != ReasonRouteBruteForceDetected {
		t.Fatalf("escalation: got %v", v)
	}
	if banT.Count != 10 {
		t.Fatalf("ban tracker = %d at ban, want 10", banT.Count)
	}
	if v := Double(&block, &banT, blockTh, p, &ban, t0.Add(time.Second)); v.Kind != AlreadyBanned {
		t.Fatalf("while banned: got %v", v)
	}

	v = Double(&block, &banT, blockTh, p, &ban, t0.Add(time.Minute))
	if v.Kind != UnbannedAndAllow {
		t.Fatalf("after expiry: got %v", v)
	}
	if block.Count != 1 || banT.Count != 0 {
		t.Fatalf("trackers after unban: block=%d ban=%d", block.Count, banT.Count)
	}
}

func TestDoubleWindowRecovery(t *testing.T) {
	blockTh := NewThreshold(1, time.Second)
	p := Policy{Threshold: NewThreshold(5, time.Minute), BanDuration: time.Minute, BanReason: ReasonRouteBruteForceDetected}
	block := NewTracker(t0)
	banT := NewTracker(t0)
	ban := Ban{}

	if v := Double(&block, &banT, blockTh, p, &ban, t0); v.Kind != Allow {
		t.Fatalf("first: got %v", v)
	}
	if v := Double(&block, &banT, blockTh, p, &ban, t0); v.Kind != Blocked {
		t.Fatalf("second: got %v", v)
	}
	if v := Double(&block, &banT, blockTh, p, &ban, t0.Add(time.Second)); v.Kind != Allow {
		t.Fatalf("next window: got %v", v)
	}
	if banT.Count != 1 {
		t.Fatalf("ban tracker = %d, want 1", banT.Count)
	}
}

func TestWsIPFlicker(t *testing.T) {
	l := ConnLimits{
		MaxCons:  5,
		Overflow: Policy{Threshold: NewThreshold(10, time.Minute), BanDuration: time.Minute, BanReason: ReasonTooManyReconnections},
		Churn:    Policy{Threshold: NewThreshold(20, time.Minute), BanDuration: time.Minute, BanReason: ReasonConFlickerDetected},
	}
	churn, overflow := NewTracker(t0), NewTracker(t0)
	ban := Ban{}
	var current uint64

	for i := 0; i < 20; i++ {
		if v := WsIP(&churn, &overflow, &current, &ban, l, t0); v.Kind != Allow {
			t.Fatalf("flicker %d: got %v", i, v)
		}
		current--
	}
	if churn.Count != 20 {
		t.Fatalf("churn = %d, want 20", churn.Count)
	}

	v := WsIP(&churn, &overflow, &current, &ban, l, t0)
	if v.Kind != Banned || v.Reason != ReasonConFlickerDetected {
		t.Fatalf("flicker 21: got %v", v)
	}
	if current != 0 {
		t.Fatalf("a refused connection changed current to %d", current)
	}
	if v := WsIP(&churn, &overflow, &current, &ban, l, t0); v.Kind != AlreadyBanned {
		t.Fatalf("while banned: got %v", v)
	}
	if v := WsIP(&churn, &overflow, &current, &ban, l, t0.Add(time.Minute)); v.Kind != UnbannedAndAllow {
		t.Fatalf("after expiry: got %v", v)
	}
	if churn.Count != 1 || current != 1 {
		t.Fatalf("after unban churn=%d current=%d", churn.Count, current)
	}
}

func TestWsIPOverflow(t *testing.T) {
	l := ConnLimits{
		MaxCons:  2,
		Overflow: Policy{Threshold: NewThreshold(3, time.Minute), BanDuration: time.Minute, BanReason: ReasonTooManyReconnections},
		Churn:    Policy{Threshold: NewThreshold(20, time.Minute), BanDuration: time.Minute, BanReason: ReasonConFlickerDetected},
	}
	churn, overflow := NewTracker(t0), NewTracker(t0)
	ban := Ban{}
	var current uint64

	want := []Kind{Allow, Allow, Blocked, Blocked, Blocked, Banned, AlreadyBanned}
	for i, w := range want {
		v := WsIP(&churn, &overflow, &current, &ban, l, t0)
		if v.Kind != w {
			t.Fatalf("attempt %d: got %v, want %v", i, v, w)
		}
		if w == Banned && v.Reason != ReasonTooManyReconnections {
			t.Fatalf("ban reason = %v", v.Reason)
		}
	}
	if churn.Count != 2 {
		t.Fatalf("blocked attempts counted as churn: %d", churn.Count)
	}

	if v := WsIP(&churn, &overflow, &current, &ban, l, t0.Add(time.Minute)); v.Kind != UnbannedAndBlocked {
		t.Fatalf("after expiry at ceiling: got %v", v)
	}
}

func TestBanReasonRoundTrip(t *testing.T) {
	for _, r := range []BanReason{ReasonNone, ReasonTooManyReconnections, ReasonConFlickerDetected, ReasonRouteBruteForceDetected} {
		got, err := ParseBanReason(r.String())
		if err != nil || got != r {
			t.Errorf("ParseBanReason(%q) = %v, %v", r.String(), got, err)
		}
	}
	if _, err := ParseBanReason("bogus"); err == nil {
		t.Error("ParseBanReason(bogus) returned no error")
	}
}

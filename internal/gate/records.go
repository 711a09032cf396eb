package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/dasiyes/ivmgate/internal/throttle"
)

// ErrCorrupted marks a stored record that fails validation on read-back.
var ErrCorrupted = errors.New("corrupted record")

// Totals are lifetime verdict counters.
type Totals struct {
	Allowed       uint64
	Blocked       uint64
	Banned        uint64
	AlreadyBanned uint64
}

// Count adds one verdict to the matching counter and returns its new value.
func (t *Totals) Count(k throttle.Kind) uint64 {
	switch k {
	case throttle.Allow, throttle.UnbannedAndAllow:
		t.Allowed++
		return t.Allowed
	case throttle.Blocked, throttle.UnbannedAndBlocked:
		t.Blocked++
		return t.Blocked
	case throttle.Banned:
		t.Banned++
		return t.Banned
	case throttle.AlreadyBanned:
		t.AlreadyBanned++
		return t.AlreadyBanned
	}
	return 0
}

// IPRecord is the connection level state of one IP.
type IPRecord struct {
	Totals   Totals
	Churn    throttle.Tracker
	Overflow throttle.Tracker
	Ban      throttle.Ban
}

// NewIPRecord returns zeroed state with both windows opened at now.
func NewIPRecord(now time.Time) *IPRecord {
	return &IPRecord{
		Churn:    throttle.NewTracker(now),
		Overflow: throttle.NewTracker(now),
	}
}

// PathStat is the request throttle state of one (IP, path) pair.
type PathStat struct {
	Totals     Totals
	Block      throttle.Tracker
	BanTracker throttle.Tracker
}

func NewPathStat(now time.Time) *PathStat {
	return &PathStat{
		Block:      throttle.NewTracker(now),
		BanTracker: throttle.NewTracker(now),
	}
}

// PathStatsRecord is everything the accounting task of one IP owns.
type PathStatsRecord struct {
	Paths map[string]*PathStat
	Ban   throttle.Ban
}

func NewPathStatsRecord() *PathStatsRecord {
	return &PathStatsRecord{Paths: make(map[string]*PathStat)}
}

// The Db* shapes are what the repositories persist: signed 64-bit numbers
// and epoch milliseconds.

type DbTotals struct {
	Allowed       int64 `firestore:"allowed" json:"allowed"`
	Blocked       int64 `firestore:"blocked" json:"blocked"`
	Banned        int64 `firestore:"banned" json:"banned"`
	AlreadyBanned int64 `firestore:"already_banned" json:"already_banned"`
}

type DbTracker struct {
	Count     int64 `firestore:"count" json:"count"`
	StartedAt int64 `firestore:"started_at" json:"started_at"`
}

type DbBan struct {
	Until  int64  `firestore:"until" json:"until"`
	Reason string `firestore:"reason" json:"reason"`
}

type DbIPRecord struct {
	IP         string    `firestore:"ip" json:"ip"`
	Totals     DbTotals  `firestore:"totals" json:"totals"`
	Churn      DbTracker `firestore:"churn" json:"churn"`
	Overflow   DbTracker `firestore:"overflow" json:"overflow"`
	Ban        DbBan     `firestore:"ban" json:"ban"`
	ModifiedAt int64     `firestore:"modified_at" json:"modified_at"`
}

type DbPathStat struct {
	Totals     DbTotals  `firestore:"totals" json:"totals"`
	Block      DbTracker `firestore:"block" json:"block"`
	BanTracker DbTracker `firestore:"ban_tracker" json:"ban_tracker"`
}

type DbPathStats struct {
	IP         string                `firestore:"ip" json:"ip"`
	Paths      map[string]DbPathStat `firestore:"paths" json:"paths"`
	Ban        DbBan                 `firestore:"ban" json:"ban"`
	ModifiedAt int64                 `firestore:"modified_at" json:"modified_at"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64, field string) (time.Time, error) {
	if ms < 0 {
		return time.Time{}, fmt.Errorf("%w: %s is negative (%d)", ErrCorrupted, field, ms)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

func toUnsigned(v int64, field string) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %s is negative (%d)", ErrCorrupted, field, v)
	}
	return uint64(v), nil
}

func dbTotals(t Totals) DbTotals {
	return DbTotals{
		Allowed:       int64(t.Allowed),
		Blocked:       int64(t.Blocked),
		Banned:        int64(t.Banned),
		AlreadyBanned: int64(t.AlreadyBanned),
	}
}

func (d DbTotals) totals(prefix string) (Totals, error) {
	var t Totals
	var err error
	if t.Allowed, err = toUnsigned(d.Allowed, prefix+".allowed"); err != nil {
		return t, err
	}
	if t.Blocked, err = toUnsigned(d.Blocked, prefix+".blocked"); err != nil {
		return t, err
	}
	if t.Banned, err = toUnsigned(d.Banned, prefix+".banned"); err != nil {
		return t, err
	}
	if t.AlreadyBanned, err = toUnsigned(d.AlreadyBanned, prefix+".already_banned"); err != nil {
		return t, err
	}
	return t, nil
}

func dbTracker(t throttle.Tracker) DbTracker {
	return DbTracker{Count: int64(t.Count), StartedAt: toMillis(t.StartedAt)}
}

func (d DbTracker) tracker(field string) (throttle.Tracker, error) {
	count, err := toUnsigned(d.Count, field+".count")
	if err != nil {
		return throttle.Tracker{}, err
	}
	started, err := fromMillis(d.StartedAt, field+".started_at")
	if err != nil {
		return throttle.Tracker{}, err
	}
	return throttle.Tracker{Count: count, StartedAt: started}, nil
}

func dbBan(b throttle.Ban) DbBan {
	if !b.Active() {
		return DbBan{}
	}
	return DbBan{Until: toMillis(b.Until), Reason: b.Reason.String()}
}

func (d DbBan) ban() (throttle.Ban, error) {
	until, err := fromMillis(d.Until, "ban.until")
	if err != nil {
		return throttle.Ban{}, err
	}
	if until.IsZero() {
		return throttle.Ban{}, nil
	}
	reason, err := throttle.ParseBanReason(d.Reason)
	if err != nil {
		return throttle.Ban{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return throttle.Ban{Until: until, Reason: reason}, nil
}

// ToDb converts rec into its persisted shape.
func (rec *IPRecord) ToDb(ip string, now time.Time) DbIPRecord {
	return DbIPRecord{
		IP:         ip,
		Totals:     dbTotals(rec.Totals),
		Churn:      dbTracker(rec.Churn),
		Overflow:   dbTracker(rec.Overflow),
		Ban:        dbBan(rec.Ban),
		ModifiedAt: toMillis(now),
	}
}

// Record validates d and converts it back.
func (d DbIPRecord) Record() (*IPRecord, error) {
	var rec IPRecord
	var err error
	if rec.Totals, err = d.Totals.totals("totals"); err != nil {
		return nil, err
	}
	if rec.Churn, err = d.Churn.tracker("churn"); err != nil {
		return nil, err
	}
	if rec.Overflow, err = d.Overflow.tracker("overflow"); err != nil {
		return nil, err
	}
	if rec.Ban, err = d.Ban.ban(); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (rec *PathStatsRecord) ToDb(ip string, now time.Time) DbPathStats {
	d := DbPathStats{
		IP:         ip,
		Paths:      make(map[string]DbPathStat, len(rec.Paths)),
		Ban:        dbBan(rec.Ban),
		ModifiedAt: toMillis(now),
	}
	for path, ps := range rec.Paths {
		d.Paths[path] = DbPathStat{
			Totals:     dbTotals(ps.Totals),
			Block:      dbTracker(ps.Block),
			BanTracker: dbTracker(ps.BanTracker),
		}
	}
	return d
}

func (d DbPathStats) Record() (*PathStatsRecord, error) {
	rec := NewPathStatsRecord()
	var err error
	if rec.Ban, err = d.Ban.ban(); err != nil {
		return nil, err
	}
	for path, dps := range d.Paths {
		ps := &PathStat{}
		if ps.Totals, err = dps.Totals.totals(path + ".totals"); err != nil {
			return nil, err
		}
		if ps.Block, err = dps.Block.tracker(path + ".block"); err != nil {
			return nil, err
		}
		if ps.BanTracker, err = dps.BanTracker.tracker(path + ".ban_tracker"); err != nil {
			return nil, err
		}
		rec.Paths[path] = ps
	}
	return rec, nil
}

// Package gate holds the records the gateway persists, the storage boundary,
// and the strategies injected into the gateway (clock, address resolution).
package gate

import (
	"context"
	"time"
)

// IPRepo provides access to the per-IP throttle records. Load methods
// return (nil, nil) when nothing is stored for ip.
type IPRepo interface {
	LoadIPRecord(ctx context.Context, ip string) (*IPRecord, error)
	UpsertIPRecord(ctx context.Context, ip string, rec *IPRecord, now time.Time) error
	LoadPathStats(ctx context.Context, ip string) (*PathStatsRecord, error)
	UpsertPathStats(ctx context.Context, ip string, rec *PathStatsRecord, now time.Time) error
}

// Package memdb is a process local gate.IPRepo. Records are kept in their
// persisted shape so read-back goes through the same validation as the
// durable repositories.
package memdb

import (
	"context"
	"sync"
	"time"

	"github.com/dasiyes/ivmgate/internal/gate"
)

type IPRepository struct {
	mu    sync.Mutex
	ips   map[string]gate.DbIPRecord
	paths map[string]gate.DbPathStats
}

func NewIPRepository() *IPRepository {
	return &IPRepository{
		ips:   make(map[string]gate.DbIPRecord),
		paths: make(map[string]gate.DbPathStats),
	}
}

func (r *IPRepository) LoadIPRecord(_ context.Context, ip string) (*gate.IPRecord, error) {
	r.mu.Lock()
	d, ok := r.ips[ip]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return d.Record()
}

func (r *IPRepository) UpsertIPRecord(_ context.Context, ip string, rec *gate.IPRecord, now time.Time) error {
	d := rec.ToDb(ip, now)
	r.mu.Lock()
	r.ips[ip] = d
	r.mu.Unlock()
	return nil
}

func (r *IPRepository) LoadPathStats(_ context.Context, ip string) (*gate.PathStatsRecord, error) {
	r.mu.Lock()
	d, ok := r.paths[ip]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return d.Record()
}

func (r *IPRepository) UpsertPathStats(_ context.Context, ip string, rec *gate.PathStatsRecord, now time.Time) error {
	d := rec.ToDb(ip, now)
	r.mu.Lock()
	r.paths[ip] = d
	r.mu.Unlock()
	return nil
}

// Put stores a raw record, bypassing conversion.
func (r *IPRepository) Put(d gate.DbIPRecord) {
	r.mu.Lock()
	r.ips[d.IP] = d
	r.mu.Unlock()
}

// Len returns the number of stored ip records and path stats documents.
func (r *IPRepository) Len() (ips, paths int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ips), len(r.paths)
}

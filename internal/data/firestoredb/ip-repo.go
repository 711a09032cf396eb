package firestoredb

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dasiyes/ivmgate/internal/gate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ipRepo keeps one document per IP in each of two collections, the doc ID
// being the IP itself.
type ipRepo struct {
	ip_coll   string
	path_coll string
	client    *firestore.Client
}

func NewIPRepository(client *firestore.Client, ipcn, pathcn string) (gate.IPRepo, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if ipcn == "" || pathcn == "" {
		return nil, fmt.Errorf("collection names are required, got ip=%q path=%q", ipcn, pathcn)
	}
	return &ipRepo{
		ip_coll:   ipcn,
		path_coll: pathcn,
		client:    client,
	}, nil
}

func (r *ipRepo) LoadIPRecord(ctx context.Context, ip string) (*gate.IPRecord, error) {
	doc, err := r.client.Collection(r.ip_coll).Doc(ip).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get ip record %s from repository: %w", ip, err)
	}

	var d gate.DbIPRecord
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("unable to fit ip record %s format: %w", ip, err)
	}
	rec, err := d.Record()
	if err != nil {
		return nil, fmt.Errorf("ip record %s: %w", ip, err)
	}
	return rec, nil
}

func (r *ipRepo) UpsertIPRecord(ctx context.Context, ip string, rec *gate.IPRecord, now time.Time) error {
	if _, err := r.client.Collection(r.ip_coll).Doc(ip).Set(ctx, rec.ToDb(ip, now)); err != nil {
		return fmt.Errorf("unable to save ip record %s: %w", ip, err)
	}
	return nil
}

func (r *ipRepo) LoadPathStats(ctx context.Context, ip string) (*gate.PathStatsRecord, error) {
	doc, err := r.client.Collection(r.path_coll).Doc(ip).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get path stats %s from repository: %w", ip, err)
	}

	var d gate.DbPathStats
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("unable to fit path stats %s format: %w", ip, err)
	}
	rec, err := d.Record()
	if err != nil {
		return nil, fmt.Errorf("path stats %s: %w", ip, err)
	}
	return rec, nil
}

func (r *ipRepo) UpsertPathStats(ctx context.Context, ip string, rec *gate.PathStatsRecord, now time.Time) error {
	if _, err := r.client.Collection(r.path_coll).Doc(ip).Set(ctx, rec.ToDb(ip, now)); err != nil {
		return fmt.Errorf("unable to save path stats %s: %w", ip, err)
	}
	return nil
}

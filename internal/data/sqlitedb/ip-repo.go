// Package sqlitedb keeps the throttle records in a local SQLite file. It
// serves single node deployments and development without a Firestore project.
package sqlitedb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dasiyes/ivmgate/internal/gate"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type ipRecordRow struct {
	IP         string         `gorm:"primaryKey"`
	Totals     gate.DbTotals  `gorm:"embedded;embeddedPrefix:total_"`
	Churn      gate.DbTracker `gorm:"embedded;embeddedPrefix:churn_"`
	Overflow   gate.DbTracker `gorm:"embedded;embeddedPrefix:overflow_"`
	Ban        gate.DbBan     `gorm:"embedded;embeddedPrefix:ban_"`
	ModifiedAt int64
}

func (ipRecordRow) TableName() string { return "ws_ip_records" }

type pathStatsRow struct {
	IP         string                     `gorm:"primaryKey"`
	Paths      map[string]gate.DbPathStat `gorm:"serializer:json"`
	Ban        gate.DbBan                 `gorm:"embedded;embeddedPrefix:ban_"`
	ModifiedAt int64
}

func (pathStatsRow) TableName() string { return "ws_ip_path_stats" }

// IPRepository implements gate.IPRepo over gorm.
type IPRepository struct {
	db *gorm.DB
}

// NewIPRepository opens (or creates) the database at path and migrates it.
func NewIPRepository(path string) (*IPRepository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database %s: %w", path, err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("unable to enable WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&ipRecordRow{}, &pathStatsRow{}); err != nil {
		return nil, fmt.Errorf("unable to migrate sqlite schema: %w", err)
	}
	return &IPRepository{db: db}, nil
}

func (r *IPRepository) LoadIPRecord(ctx context.Context, ip string) (*gate.IPRecord, error) {
	var row ipRecordRow
	err := r.db.WithContext(ctx).Where("ip = ?", ip).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load ip record %s: %w", ip, err)
	}

	d := gate.DbIPRecord{
		IP:         row.IP,
		Totals:     row.Totals,
		Churn:      row.Churn,
		Overflow:   row.Overflow,
		Ban:        row.Ban,
		ModifiedAt: row.ModifiedAt,
	}
	rec, err := d.Record()
	if err != nil {
		return nil, fmt.Errorf("ip record %s: %w", ip, err)
	}
	return rec, nil
}

func (r *IPRepository) UpsertIPRecord(ctx context.Context, ip string, rec *gate.IPRecord, now time.Time) error {
	d := rec.ToDb(ip, now)
	row := ipRecordRow{
		IP:         d.IP,
		Totals:     d.Totals,
		Churn:      d.Churn,
		Overflow:   d.Overflow,
		Ban:        d.Ban,
		ModifiedAt: d.ModifiedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("unable to upsert ip record %s: %w", ip, err)
	}
	return nil
}

func (r *IPRepository) LoadPathStats(ctx context.Context, ip string) (*gate.PathStatsRecord, error) {
	var row pathStatsRow
	err := r.db.WithContext(ctx).Where("ip = ?", ip).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load path stats %s: %w", ip, err)
	}

	d := gate.DbPathStats{IP: row.IP, Paths: row.Paths, Ban: row.Ban, ModifiedAt: row.ModifiedAt}
	rec, err := d.Record()
	if err != nil {
		return nil, fmt.Errorf("path stats %s: %w", ip, err)
	}
	return rec, nil
}

func (r *IPRepository) UpsertPathStats(ctx context.Context, ip string, rec *gate.PathStatsRecord, now time.Time) error {
	d := rec.ToDb(ip, now)
	row := pathStatsRow{IP: d.IP, Paths: d.Paths, Ban: d.Ban, ModifiedAt: d.ModifiedAt}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("unable to upsert path stats %s: %w", ip, err)
	}
	return nil
}

func (r *IPRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"billboard-sentinel/internal/domain/billboard"
)

var ErrNotFound = errors.New("not found")

type ViolationRecordRow struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	ReportID       string         `gorm:"not null;uniqueIndex"`
	DatasetVersion *string
	HasViolation   bool           `gorm:"not null"`
	FinalizedAt    time.Time      `gorm:"not null"`
	Record         datatypes.JSON `gorm:"type:jsonb;not null"`
	RedactionMask  datatypes.JSON `gorm:"type:jsonb"`
	RedactedImage  []byte
	Lat            *float64
	Lon            *float64
	CreatedAt      time.Time
}

func (ViolationRecordRow) TableName() string { return "violation_records" }

type ViolationEntryRow struct {
	RecordID string         `gorm:"type:uuid;primaryKey"`
	Position int            `gorm:"not null"`
	Kind     string         `gorm:"primaryKey"`
	Severity string         `gorm:"not null"`
	Verdict  string         `gorm:"not null"`
	Reason   *string
	Message  *string
	Evidence datatypes.JSON `gorm:"type:jsonb"`
}

func (ViolationEntryRow) TableName() string { return "violation_entries" }

type RecordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// SaveRecord stores a finalized record with its redaction output and the
// report location, when known. The record row and its entry rows are written
// in one transaction.
func (r *RecordRepository) SaveRecord(ctx context.Context, rec *billboard.ViolationRecord, mask billboard.RedactionMask, redacted []byte, at *billboard.Coordinates) error {
	row, entries, err := toRows(rec, mask, redacted, at)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if err := tx.Create(&entries).Error; err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
		return nil
	})
}

func toRows(rec *billboard.ViolationRecord, mask billboard.RedactionMask, redacted []byte, at *billboard.Coordinates) (ViolationRecordRow, []ViolationEntryRow, error) {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return ViolationRecordRow{}, nil, fmt.Errorf("encode record: %w", err)
	}
	maskJSON, err := json.Marshal(mask)
	if err != nil {
		return ViolationRecordRow{}, nil, fmt.Errorf("encode mask: %w", err)
	}

	row := ViolationRecordRow{
		ID:            rec.ID(),
		ReportID:      rec.ReportID(),
		HasViolation:  rec.HasViolation(),
		FinalizedAt:   rec.FinalizedAt(),
		Record:        datatypes.JSON(recordJSON),
		RedactionMask: datatypes.JSON(maskJSON),
		RedactedImage: redacted,
	}
	if v := rec.DatasetVersion(); v != "" {
		row.DatasetVersion = &v
	}
	if at != nil {
		lat, lon := at.Lat, at.Lon
		row.Lat, row.Lon = &lat, &lon
	}

	entries := rec.Entries()
	rows := make([]ViolationEntryRow, 0, len(entries))
	for i, e := range entries {
		evidence, err := json.Marshal(e.Evidence)
		if err != nil {
			return ViolationRecordRow{}, nil, fmt.Errorf("encode evidence: %w", err)
		}
		er := ViolationEntryRow{
			RecordID: rec.ID(),
			Position: i,
			Kind:     string(e.Kind),
			Severity: string(e.Severity),
			Verdict:  string(e.Verdict),
			Evidence: datatypes.JSON(evidence),
		}
		if e.Reason != "" {
			reason := string(e.Reason)
			er.Reason = &reason
		}
		if e.Message != "" {
			msg := e.Message
			er.Message = &msg
		}
		rows = append(rows, er)
	}
	return row, rows, nil
}

func (r *RecordRepository) GetRecord(ctx context.Context, reportID string) (*billboard.ViolationRecord, error) {
	var row ViolationRecordRow
	err := r.db.WithContext(ctx).
		Select("id", "report_id", "record").
		Where("report_id = ?", reportID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: record for report %s", ErrNotFound, reportID)
	}
	if err != nil {
		return nil, err
	}
	return billboard.UnmarshalRecord(row.Record)
}

func (r *RecordRepository) GetRedactedImage(ctx context.Context, reportID string) ([]byte, billboard.RedactionMask, error) {
	var row ViolationRecordRow
	var mask billboard.RedactionMask
	err := r.db.WithContext(ctx).
		Select("redaction_mask", "redacted_image").
		Where("report_id = ?", reportID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, mask, fmt.Errorf("%w: image for report %s", ErrNotFound, reportID)
	}
	if err != nil {
		return nil, mask, err
	}
	if len(row.RedactionMask) > 0 {
		if err := json.Unmarshal(row.RedactionMask, &mask); err != nil {
			return nil, mask, fmt.Errorf("decode mask: %w", err)
		}
	}
	return row.RedactedImage, mask, nil
}

type Stats struct {
	Records       int64                                          `json:"records"`
	WithViolation int64                                          `json:"with_violation"`
	ByKind        map[billboard.Kind]map[billboard.Verdict]int64 `json:"by_kind"`
}

type verdictCount struct {
	Kind    string
	Verdict string
	Count   int64
}

// Stats counts finalized records and their entries per kind and verdict,
// optionally restricted to records finalized at or after since.
func (r *RecordRepository) Stats(ctx context.Context, since *time.Time) (Stats, error) {
	stats := Stats{ByKind: make(map[billboard.Kind]map[billboard.Verdict]int64, len(billboard.Kinds))}
	for _, k := range billboard.Kinds {
		stats.ByKind[k] = map[billboard.Verdict]int64{}
	}

	records := r.db.WithContext(ctx).Model(&ViolationRecordRow{})
	if since != nil {
		records = records.Where("finalized_at >= ?", *since)
	}
	if err := records.Session(&gorm.Session{}).Count(&stats.Records).Error; err != nil {
		return stats, err
	}
	if err := records.Session(&gorm.Session{}).Where("has_violation = ?", true).Count(&stats.WithViolation).Error; err != nil {
		return stats, err
	}

	var counts []verdictCount
	q := r.db.WithContext(ctx).
		Table("violation_entries").
		Select("violation_entries.kind as kind, violation_entries.verdict as verdict, count(*) as count").
		Joins("JOIN violation_records ON violation_entries.record_id = violation_records.id").
		Group("violation_entries.kind, violation_entries.verdict")
	if since != nil {
		q = q.Where("violation_records.finalized_at >= ?", *since)
	}
	if err := q.Scan(&counts).Error; err != nil {
		return stats, err
	}
	for _, c := range counts {
		kind := billboard.Kind(c.Kind)
		if stats.ByKind[kind] == nil {
			stats.ByKind[kind] = map[billboard.Verdict]int64{}
		}
		stats.ByKind[kind][billboard.Verdict(c.Verdict)] = c.Count
	}
	return stats, nil
}

type HeatPoint struct {
	RecordID     string
	ReportID     string
	Lat          float64
	Lon          float64
	HasViolation bool
	FinalizedAt  time.Time
}

// Heatmap lists the location of every located record, newest first,
// optionally restricted to records finalized at or after since.
func (r *RecordRepository) Heatmap(ctx context.Context, since *time.Time) ([]HeatPoint, error) {
	q := r.db.WithContext(ctx).
		Model(&ViolationRecordRow{}).
		Select("id as record_id, report_id, lat, lon, has_violation, finalized_at").
		Where("lat IS NOT NULL AND lon IS NOT NULL").
		Order("finalized_at DESC")
	if since != nil {
		q = q.Where("finalized_at >= ?", *since)
	}

	var points []HeatPoint
	if err := q.Scan(&points).Error; err != nil {
		return nil, err
	}
	return points, nil
}

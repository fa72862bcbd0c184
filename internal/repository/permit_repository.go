package repository

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"billboard-sentinel/internal/domain/billboard"
	"billboard-sentinel/internal/geo"
	"billboard-sentinel/internal/utils"
)

var ErrInvalidCSV = errors.New("invalid permit csv")

type Permit struct {
	ID         int64           `gorm:"primaryKey"`
	LicenseID  string          `gorm:"not null"`
	Normalized string          `gorm:"not null;uniqueIndex"`
	Owner      *string
	Status     string          `gorm:"not null"`
	Lat        *float64
	Lon        *float64
	WidthM     *float64
	HeightM    *float64
	ValidFrom  *datatypes.Date
	ValidTo    *datatypes.Date
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type PermitRepository struct {
	db         *gorm.DB
	toleranceM float64
	now        func() time.Time
}

// NewPermitRepository returns a registry whose lookups treat a permit as
// matching the report location when its registered point lies within
// toleranceM metres.
func NewPermitRepository(db *gorm.DB, toleranceM float64) *PermitRepository {
	return &PermitRepository{db: db, toleranceM: toleranceM, now: time.Now}
}

func (r *PermitRepository) LookupPermit(ctx context.Context, licenseID string, at *billboard.Coordinates) (billboard.PermitRecord, error) {
	normalized := utils.NormalizeLicenseID(licenseID)
	if normalized == "" {
		return billboard.PermitRecord{Status: billboard.LookupNotFound, Detail: "empty license id"}, nil
	}

	permit, err := r.FindPermit(ctx, normalized)
	if errors.Is(err, ErrNotFound) {
		return billboard.PermitRecord{LicenseID: normalized, Status: billboard.LookupNotFound}, nil
	}
	if err != nil {
		return billboard.PermitRecord{}, err
	}
	return EvaluatePermit(*permit, at, r.now(), r.toleranceM), nil
}

// FindPermit returns the registry row for licenseID, or ErrNotFound.
func (r *PermitRepository) FindPermit(ctx context.Context, licenseID string) (*Permit, error) {
	normalized := utils.NormalizeLicenseID(licenseID)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty license id", ErrNotFound)
	}

	var permit Permit
	err := r.db.WithContext(ctx).Where("normalized = ?", normalized).First(&permit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: permit %s", ErrNotFound, normalized)
	}
	if err != nil {
		return nil, err
	}
	return &permit, nil
}

// EvaluatePermit turns a registry row into a lookup result for a report made
// at time now from location at.
func EvaluatePermit(p Permit, at *billboard.Coordinates, now time.Time, toleranceM float64) billboard.PermitRecord {
	rec := billboard.PermitRecord{LicenseID: p.Normalized, Status: billboard.LookupFound}

	switch strings.ToLower(p.Status) {
	case "active":
		valid := true
		if p.ValidFrom != nil && now.Before(time.Time(*p.ValidFrom)) {
			valid = false
			rec.Detail = "permit not yet valid"
		}
		// valid_to is inclusive of the whole day.
		if p.ValidTo != nil && !now.Before(time.Time(*p.ValidTo).AddDate(0, 0, 1)) {
			valid = false
			rec.Detail = "permit expired"
		}
		rec.Valid = &valid
	case "expired", "revoked", "suspended":
		valid := false
		rec.Valid = &valid
		rec.Detail = "permit " + strings.ToLower(p.Status)
	default:
		rec.Detail = fmt.Sprintf("unrecognized permit status %q", p.Status)
	}

	if at != nil && p.Lat != nil && p.Lon != nil {
		dist := geo.Haversine(at.Lat, at.Lon, *p.Lat, *p.Lon)
		match := dist <= toleranceM
		rec.DistanceFromRegisteredM = &dist
		rec.LocationMatch = &match
	}
	return rec
}

// Upsert inserts permits or refreshes existing rows with the same normalized
// license id.
func (r *PermitRepository) Upsert(ctx context.Context, permits []Permit) error {
	if len(permits) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "normalized"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"license_id", "owner", "status", "lat", "lon", "width_m", "height_m", "valid_from", "valid_to", "updated_at",
		}),
	}).Create(&permits).Error
}

// SeedFromCSV loads permits from a CSV export and upserts them.
func (r *PermitRepository) SeedFromCSV(ctx context.Context, rd io.Reader) (int, error) {
	permits, err := ParsePermitCSV(rd)
	if err != nil {
		return 0, err
	}
	if err := r.Upsert(ctx, permits); err != nil {
		return 0, err
	}
	return len(permits), nil
}

// ParsePermitCSV reads rows with a header naming at least license_id. Known
// optional columns are owner, status, lat, lon, width_m, height_m,
// valid_from and valid_to (YYYY-MM-DD). Status defaults to active.
func ParsePermitCSV(rd io.Reader) ([]Permit, error) {
	cr := csv.NewReader(rd)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidCSV, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["license_id"]; !ok {
		return nil, fmt.Errorf("%w: missing license_id column", ErrInvalidCSV)
	}

	var permits []Permit
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCSV, line, err)
		}
		p, err := permitFromRow(row, col)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCSV, line, err)
		}
		permits = append(permits, p)
	}
	return permits, nil
}

func permitFromRow(row []string, col map[string]int) (Permit, error) {
	get := func(name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	id := get("license_id")
	p := Permit{LicenseID: id, Normalized: utils.NormalizeLicenseID(id), Status: "active"}
	if p.Normalized == "" {
		return p, errors.New("empty license_id")
	}
	if s := get("status"); s != "" {
		p.Status = strings.ToLower(s)
	}
	if s := get("owner"); s != "" {
		p.Owner = &s
	}

	floats := []struct {
		name string
		dst  **float64
	}{{"lat", &p.Lat}, {"lon", &p.Lon}, {"width_m", &p.WidthM}, {"height_m", &p.HeightM}}
	for _, f := range floats {
		s := get(f.name)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return p, fmt.Errorf("%s: %v", f.name, err)
		}
		*f.dst = &v
	}

	dates := []struct {
		name string
		dst  **datatypes.Date
	}{{"valid_from", &p.ValidFrom}, {"valid_to", &p.ValidTo}}
	for _, d := range dates {
		s := get(d.name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return p, fmt.Errorf("%s: %v", d.name, err)
		}
		date := datatypes.Date(t)
		*d.dst = &date
	}

	if (p.Lat == nil) != (p.Lon == nil) {
		return p, errors.New("lat and lon must be given together")
	}
	if p.Lat != nil && !(billboard.Coordinates{Lat: *p.Lat, Lon: *p.Lon}).Valid() {
		return p, fmt.Errorf("coordinates out of range (%v, %v)", *p.Lat, *p.Lon)
	}
	return p, nil
}

package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS permits (
		id              BIGSERIAL PRIMARY KEY,
		license_id      TEXT NOT NULL,
		normalized      TEXT NOT NULL,
		owner           TEXT,
		status          TEXT NOT NULL DEFAULT 'active',
		lat             DOUBLE PRECISION,
		lon             DOUBLE PRECISION,
		width_m         NUMERIC(6,2),
		height_m        NUMERIC(6,2),
		valid_from      DATE,
		valid_to        DATE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_permits_normalized ON permits(normalized);`,
	`CREATE TABLE IF NOT EXISTS violation_records (
		id              UUID PRIMARY KEY,
		report_id       TEXT NOT NULL,
		dataset_version TEXT,
		has_violation   BOOLEAN NOT NULL,
		finalized_at    TIMESTAMPTZ NOT NULL,
		record          JSONB NOT NULL,
		redaction_mask  JSONB,
		redacted_image  BYTEA,
		lat             DOUBLE PRECISION,
		lon             DOUBLE PRECISION,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`ALTER TABLE violation_records ADD COLUMN IF NOT EXISTS lat DOUBLE PRECISION;`,
	`ALTER TABLE violation_records ADD COLUMN IF NOT EXISTS lon DOUBLE PRECISION;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_violation_records_report_id ON violation_records(report_id);`,
	`CREATE INDEX IF NOT EXISTS idx_violation_records_finalized_at ON violation_records(finalized_at);`,
	`CREATE TABLE IF NOT EXISTS violation_entries (
		record_id       UUID NOT NULL REFERENCES violation_records(id) ON DELETE CASCADE,
		position        INT NOT NULL,
		kind            TEXT NOT NULL,
		severity        TEXT NOT NULL,
		verdict         TEXT NOT NULL,
		reason          TEXT,
		message         TEXT,
		evidence        JSONB,
		PRIMARY KEY (record_id, kind)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violation_entries_kind_verdict ON violation_entries(kind, verdict);`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM permits) THEN
			INSERT INTO permits (license_id, normalized, owner, status, lat, lon, valid_from, valid_to) VALUES
				('LIC-CHD-001', 'LIC-CHD-001', 'Sector 17 Traders', 'active', 30.3555, 76.3651, '2024-01-01', '2027-12-31'),
				('LIC-CHD-002', 'LIC-CHD-002', 'Madhya Marg Media', 'active', 30.3542, 76.3620, '2024-01-01', '2027-12-31'),
				('LIC-CHD-003', 'LIC-CHD-003', 'PGI Outdoor', 'active', 30.3598, 76.3712, '2024-01-01', '2027-12-31'),
				('LIC-CHD-004', 'LIC-CHD-004', 'Lapsed Hoardings', 'expired', 30.3521, 76.3589, '2022-01-01', '2023-12-31');
		END IF;
	END
	$$;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

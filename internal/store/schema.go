package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the engine's tables. subjects, credentials and
// scheduled_sessions are owned by the roster CRUD layer; they are created
// here only so a fresh database is usable.
const schema = `
CREATE TABLE IF NOT EXISTS subjects (
	id          TEXT PRIMARY KEY,
	role        TEXT NOT NULL CHECK (role IN ('STAFF', 'STUDENT')),
	name        TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	section_id  TEXT,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credentials (
	kind        TEXT NOT NULL CHECK (kind IN ('FINGERPRINT', 'CARD')),
	value       TEXT NOT NULL,
	subject_id  TEXT NOT NULL REFERENCES subjects(id),
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (kind, value)
);

CREATE TABLE IF NOT EXISTS scheduled_sessions (
	id                      TEXT PRIMARY KEY,
	staff_id                TEXT NOT NULL REFERENCES subjects(id),
	section_id              TEXT NOT NULL,
	room                    TEXT NOT NULL,
	weekday                 SMALLINT NOT NULL CHECK (weekday BETWEEN 0 AND 6),
	start_time              TIME,
	end_time                TIME,
	late_threshold_minutes  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_weekday ON scheduled_sessions(weekday);

CREATE TABLE IF NOT EXISTS morning_marks (
	id            TEXT PRIMARY KEY,
	subject_id    TEXT NOT NULL,
	work_date     DATE NOT NULL,
	arrival_time  TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL,
	logout_time   TIMESTAMPTZ,
	device_id     TEXT NOT NULL DEFAULT '',
	UNIQUE (subject_id, work_date)
);

CREATE TABLE IF NOT EXISTS period_entries (
	id            TEXT PRIMARY KEY,
	subject_id    TEXT NOT NULL,
	work_date     DATE NOT NULL,
	time_slot     TEXT NOT NULL,
	scan_time     TIMESTAMPTZ NOT NULL,
	room          TEXT NOT NULL DEFAULT '',
	verified_via  TEXT NOT NULL,
	code          TEXT,
	UNIQUE (subject_id, work_date, time_slot)
);

CREATE TABLE IF NOT EXISTS class_entries (
	id              TEXT PRIMARY KEY,
	staff_id        TEXT NOT NULL,
	work_date       DATE NOT NULL,
	session_id      TEXT,
	time_slot       TEXT NOT NULL,
	entry_time      TIMESTAMPTZ NOT NULL,
	expected_start  TIMESTAMPTZ,
	status          TEXT NOT NULL,
	room            TEXT NOT NULL DEFAULT '',
	UNIQUE (staff_id, work_date, time_slot)
);

-- consumed_evidence remembers staging slots already folded into a verdict.
CREATE TABLE IF NOT EXISTS consumed_evidence (
	subject_id   TEXT NOT NULL,
	work_date    DATE NOT NULL,
	time_slot    TEXT NOT NULL,
	code         TEXT,
	consumed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (subject_id, work_date, time_slot)
);

CREATE TABLE IF NOT EXISTS verification_codes (
	id            TEXT PRIMARY KEY,
	code          TEXT NOT NULL UNIQUE,
	staff_id      TEXT NOT NULL,
	section_id    TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	time_slot     TEXT NOT NULL,
	generated_at  TIMESTAMPTZ NOT NULL,
	valid_until   TIMESTAMPTZ NOT NULL,
	used_count    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_codes_staff_section ON verification_codes(staff_id, section_id, valid_until);
CREATE INDEX IF NOT EXISTS idx_codes_section ON verification_codes(section_id, valid_until);

CREATE TABLE IF NOT EXISTS daily_verdicts (
	id               TEXT PRIMARY KEY,
	subject_id       TEXT NOT NULL,
	role             TEXT NOT NULL,
	work_date        DATE NOT NULL,
	status           TEXT NOT NULL,
	computed_at      TIMESTAMPTZ NOT NULL,
	basis_notes      TEXT NOT NULL DEFAULT '',
	evidence_count   INTEGER NOT NULL DEFAULT 0,
	overridden_by    TEXT,
	override_reason  TEXT,
	original_status  TEXT,
	overridden_at    TIMESTAMPTZ,
	UNIQUE (subject_id, work_date)
);

CREATE TABLE IF NOT EXISTS late_alerts (
	id                 TEXT PRIMARY KEY,
	staff_id           TEXT NOT NULL,
	session_id         TEXT NOT NULL,
	work_date          DATE NOT NULL,
	time_slot          TEXT NOT NULL,
	scheduled_time     TIMESTAMPTZ NOT NULL,
	actual_entry_time  TIMESTAMPTZ,
	minutes_late       INTEGER NOT NULL,
	reason             TEXT NOT NULL,
	acknowledged       BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_by    TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (staff_id, work_date, time_slot)
);

CREATE TABLE IF NOT EXISTS devices (
	device_id   TEXT PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	device_id   TEXT NOT NULL REFERENCES devices(device_id),
	token       TEXT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	revoked     BOOLEAN NOT NULL DEFAULT FALSE
);
`

// Migrate applies the schema. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

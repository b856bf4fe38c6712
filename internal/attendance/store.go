package attendance

import (
	"context"
	"time"
)

// Directory resolves hardware credentials and subjects. The tables behind it
// belong to the roster CRUD layer; the engine only reads them.
type Directory interface {
	ResolveCredential(ctx context.Context, kind CredentialKind, value string) (Subject, error)
	GetSubject(ctx context.Context, id string) (Subject, error)
}

// Timetable lists scheduled sessions.
type Timetable interface {
	SessionsOn(ctx context.Context, weekday time.Weekday) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
}

// StagingStore persists transient per-day evidence. Insert methods return
// ErrDuplicateEvidence when the row's unique key already exists, either as a
// staged row or as a slot already consumed by reconciliation.
type StagingStore interface {
	InsertMorningMark(ctx context.Context, m MorningMark) error
	GetMorningMark(ctx context.Context, subjectID string, date Date) (*MorningMark, error)
	SetLogout(ctx context.Context, subjectID string, date Date, at time.Time) (bool, error)
	PurgeMorningMarks(ctx context.Context, before Date) (int, error)

	InsertPeriodEntry(ctx context.Context, e PeriodEntry) error
	ListPeriodEntries(ctx context.Context, subjectID string, date Date) ([]PeriodEntry, error)
	// HasPeriodEntryWithCode also matches codes on consumed slots.
	HasPeriodEntryWithCode(ctx context.Context, subjectID string, date Date, code string) (bool, error)
	// ConsumePeriodEntries records the slots of entries as counted and deletes
	// exactly those rows.
	ConsumePeriodEntries(ctx context.Context, subjectID string, date Date, entries []PeriodEntry) error

	InsertClassEntry(ctx context.Context, e ClassEntry) error
	HasClassEntry(ctx context.Context, staffID string, date Date, timeSlot string) (bool, error)
	ListClassEntries(ctx context.Context, staffID string, date Date) ([]ClassEntry, error)
	ConsumeClassEntries(ctx context.Context, staffID string, date Date, entries []ClassEntry) error
	// ConsumedSlots counts the distinct slots already folded into a verdict.
	ConsumedSlots(ctx context.Context, subjectID string, date Date) (int, error)

	// SubjectsPendingReconciliation lists subjects that still hold staging
	// evidence for date, or have a morning mark but no verdict.
	SubjectsPendingReconciliation(ctx context.Context, date Date) ([]string, error)
}

// CodeStore persists verification codes.
type CodeStore interface {
	ActiveCodeFor(ctx context.Context, staffID, sectionID string, now time.Time) (*VerificationCode, error)
	ActiveCodeForSection(ctx context.Context, sectionID string, now time.Time) (*VerificationCode, error)
	// InsertCode returns false when the code value collides with an existing one.
	InsertCode(ctx context.Context, c VerificationCode) (bool, error)
	GetCode(ctx context.Context, code string) (*VerificationCode, error)
	IncrementCodeUse(ctx context.Context, code string) error
}

// VerdictStore persists daily verdicts.
type VerdictStore interface {
	GetVerdict(ctx context.Context, subjectID string, date Date) (*DailyVerdict, error)
	GetVerdictByID(ctx context.Context, id string) (*DailyVerdict, error)
	UpsertVerdict(ctx context.Context, v DailyVerdict) (DailyVerdict, error)
	OverrideVerdict(ctx context.Context, id string, o Override) (DailyVerdict, error)
}

// AlertStore persists late alerts. InsertLateAlert returns false when an
// alert for (staff, date, timeSlot) already exists.
type AlertStore interface {
	InsertLateAlert(ctx context.Context, a LateAlert) (bool, error)
	ListLateAlerts(ctx context.Context, date Date) ([]LateAlert, error)
	AcknowledgeLateAlert(ctx context.Context, id, actor string) (LateAlert, error)
}

// DeviceStore keeps scanner registrations.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, deviceID string) error
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
}

// Store is the full persistence surface. RunInTx runs fn against a
// transactional view; Lock serializes callers on key until that
// transaction ends and is a no-op outside one.
type Store interface {
	Directory
	Timetable
	StagingStore
	CodeStore
	VerdictStore
	AlertStore
	DeviceStore

	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Lock(ctx context.Context, key string) error
}

// EvidenceLockKey is the lock shared by every writer of a subject's staging
// evidence for date and by reconciliation of that day.
func EvidenceLockKey(subjectID string, date Date) string {
	return "evidence:" + subjectID + ":" + string(date)
}

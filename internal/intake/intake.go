// Package intake turns raw scanner payloads into typed scan events.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"campusattend/internal/attendance"
)

// Phase tells downstream components which staging log a scan feeds.
type Phase string

const (
	PhaseMorning Phase = "MORNING" // first fingerprint of the day
	PhaseEvening Phase = "EVENING" // terminal fingerprint, triggers reconciliation
	PhasePeriod  Phase = "PERIOD"  // student card scan
	PhaseSession Phase = "SESSION" // staff card scan
)

// RawScan is the payload a scanner posts.
type RawScan struct {
	IdentifierKind  string `json:"identifier_kind" validate:"required,oneof=FINGERPRINT CARD"`
	IdentifierValue string `json:"identifier_value" validate:"required,max=128"`
	DeviceID        string `json:"device_id" validate:"required,max=64"`
	RoomOrSlot      string `json:"room_or_slot" validate:"required_if=IdentifierKind CARD,max=64"`
	Date            string `json:"date" validate:"required,datetime=2006-01-02"`
	Time            string `json:"time" validate:"required,max=8"`
}

// ScanEvent is a validated scan resolved to its subject.
type ScanEvent struct {
	Subject  attendance.Subject
	DeviceID string
	Kind     attendance.CredentialKind
	Room     string
	Date     attendance.Date
	At       time.Time
	Phase    Phase
}

// Normalizer validates and classifies raw scans.
type Normalizer struct {
	dir      attendance.Directory
	rules    attendance.Rules
	loc      *time.Location
	validate *validator.Validate
}

// NewNormalizer builds a Normalizer. Times are interpreted in loc.
func NewNormalizer(dir attendance.Directory, rules attendance.Rules, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{
		dir:      dir,
		rules:    rules.Normalize(),
		loc:      loc,
		validate: validator.New(),
	}
}

// Normalize validates raw, resolves its credential and classifies it.
// It never writes anything.
func (n *Normalizer) Normalize(ctx context.Context, raw RawScan) (ScanEvent, error) {
	raw.IdentifierKind = strings.ToUpper(strings.TrimSpace(raw.IdentifierKind))
	raw.IdentifierValue = strings.TrimSpace(raw.IdentifierValue)
	raw.RoomOrSlot = strings.TrimSpace(raw.RoomOrSlot)

	if err := n.validate.Struct(raw); err != nil {
		return ScanEvent{}, invalid(err)
	}
	tod, err := attendance.ParseTimeOfDay(raw.Time)
	if err != nil {
		return ScanEvent{}, err
	}
	date := attendance.Date(raw.Date)
	at, err := date.At(tod, n.loc)
	if err != nil {
		return ScanEvent{}, attendance.Errorf(attendance.CodeInvalidArgument, "bad scan date %q", raw.Date)
	}

	kind := attendance.CredentialKind(raw.IdentifierKind)
	subject, err := n.dir.ResolveCredential(ctx, kind, raw.IdentifierValue)
	if err != nil {
		return ScanEvent{}, err
	}

	return ScanEvent{
		Subject:  subject,
		DeviceID: raw.DeviceID,
		Kind:     kind,
		Room:     raw.RoomOrSlot,
		Date:     date,
		At:       at,
		Phase:    n.classify(kind, subject.Role, tod),
	}, nil
}

func (n *Normalizer) classify(kind attendance.CredentialKind, role attendance.Role, tod attendance.TimeOfDay) Phase {
	if kind == attendance.CredentialCard {
		if role == attendance.RoleStaff {
			return PhaseSession
		}
		return PhasePeriod
	}
	if tod < n.rules.MorningCutoff {
		return PhaseMorning
	}
	return PhaseEvening
}

func invalid(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return attendance.Errorf(attendance.CodeInvalidArgument, "malformed scan: %v", err)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	sort.Strings(fields)
	return attendance.Errorf(attendance.CodeInvalidArgument, "malformed scan: %s", strings.Join(fields, ", "))
}

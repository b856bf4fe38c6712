package attendance

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	ulid "github.com/oklog/ulid/v2"
)

// IDGen mints identifiers for new rows.
type IDGen interface {
	NewID() string
	// NewULID returns a time-sortable id for records listed by creation.
	NewULID(t time.Time) string
}

// RandomIDs is the production IDGen.
type RandomIDs struct{}

func (RandomIDs) NewID() string { return uuid.NewString() }

func (RandomIDs) NewULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

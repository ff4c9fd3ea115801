// Package ulid provides a lexicographically sortable, time-ordered unique
// identifier used for batch identifiers.
package ulid

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULID wraps oklog/ulid.ULID.
type ULID struct {
	ulid.ULID
}

// New generates a new ULID stamped with the current time.
func New() ULID {
	return ULID{ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)}
}

// String returns the canonical string encoding of the ULID.
func (u ULID) String() string {
	return u.ULID.String()
}

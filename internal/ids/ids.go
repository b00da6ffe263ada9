// Package ids mints the ULIDs used for request and verification attempt ids.
package ids

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh, time-ordered identifier. Ids minted within the same
// millisecond still sort in creation order.
func New() string {
	return ulid.Make().String()
}

// Valid reports whether s is a well-formed identifier in canonical form.
func Valid(s string) bool {
	id, err := ulid.ParseStrict(s)
	return err == nil && id.String() == strings.ToUpper(s)
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}

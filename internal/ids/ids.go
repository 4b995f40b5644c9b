// Package ids generates sortable identifiers for store rows.
//
// Ids are formatted as a zero-padded nanosecond timestamp followed by a
// short uuid suffix, so lexicographic order agrees with creation order.
// Two ids minted within the same nanosecond are ordered by their random
// suffix, not by which was minted first.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a new sortable id prefixed with the current time.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a new sortable id anchored at t, for callers that need a
// deterministic clock (tests, replay).
func NewAt(t time.Time) string {
	return fmt.Sprintf("%020d-%s", t.UTC().UnixNano(), uuid.NewString()[:8])
}

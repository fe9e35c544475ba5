package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewOperationID returns a type-prefixed operation identifier of the form
// op_<type>_<yyyymmdd_hhmmss>_<rand>. The random part is the tail of a ULID,
// which keeps ids unique across processes sharing a database.
func NewOperationID(t OperationType, now time.Time) string {
	id := ulid.Make().String()
	return fmt.Sprintf("op_%s_%s_%s", t, now.UTC().Format("20060102_150405"), strings.ToLower(id[len(id)-10:]))
}

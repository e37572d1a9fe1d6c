// Package uuid generates record identifiers: UUID v4 for ids the remote will
// accept as-is, and local identifiers for records created while the remote
// is unreachable.
package uuid

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// LocalPrefix marks identifiers minted on this device that the remote has not
// confirmed yet.
const LocalPrefix = "local-"

// Generator produces record identifiers.
type Generator func() string

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewLocal generates a device-local identifier such as "local-<uuid>".
func NewLocal() string {
	return LocalPrefix + New()
}

// IsLocal reports whether id was minted by NewLocal or Sequence.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// Sequence returns a Generator yielding "local-1", "local-2", ... It gives
// deterministic identifiers to tests and fixtures.
func Sequence() Generator {
	var n atomic.Int64
	return func() string {
		return LocalPrefix + strconv.FormatInt(n.Add(1), 10)
	}
}

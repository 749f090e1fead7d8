package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "shift_3f2b...".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Token returns an opaque random token for checkout sessions.
func Token() string {
	return uuid.NewString() + uuid.NewString()[:8]
}

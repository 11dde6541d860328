package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random (v4) identifier, optionally prefixed with its
// resource kind, e.g. "dec_0b6f...".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewSortableID returns a time-ordered (v7) identifier. Relationship and
// notification rows use it so ties on created_at still sort by insertion.
func NewSortableID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return NewID(prefix)
	}
	value := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return value
	}
	return prefix + "_" + value
}

package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable identifier for a new entity.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

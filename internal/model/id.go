package model

import "github.com/oklog/ulid/v2"

// NewID generates a ULID string. Session ids sort by creation time, so the
// journal can page through pool cycles in order without a separate sequence.
func NewID() string {
	return ulid.Make().String()
}

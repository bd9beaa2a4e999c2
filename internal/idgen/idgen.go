// Package idgen produces the identifiers rafale hands out: run IDs and
// record IDs. UUIDv7 so IDs sort by creation time across stores.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends prefix plus a dash to every ID,
// e.g. Prefixed("run", gen)() -> "run-0192f3...".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + "-" + gen()
	}
}

// Default is the rafale default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// NewRunID produces a "run-" prefixed ID for one orchestration run.
func NewRunID() string {
	return Prefixed("run", Default)()
}

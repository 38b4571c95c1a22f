// Package ident generates the prefixed identifiers used for turns and
// locally minted resources. Identifiers are prefixed for observability in
// logs and traces without sacrificing uniqueness.
package ident

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a globally unique identifier with the given prefix.
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Turn returns an identifier for one request/response cycle.
func Turn() string {
	return New("turn")
}

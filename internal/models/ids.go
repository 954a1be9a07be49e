package models

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed, time sortable identifier.
func NewID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

// NewMessageID returns a SEPA message identifier. It stays stable for the
// lifetime of a batch so a repeated submission is recognised by the bank.
func NewMessageID() string {
	return "DUES-" + ulid.Make().String()
}

// NewEndToEndID returns a per transaction identifier (max 35 chars).
func NewEndToEndID() string {
	return "E2E-" + ulid.Make().String()
}

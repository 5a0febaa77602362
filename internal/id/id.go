// Package id generates collision-resistant identifiers for durable
// entities. IDs carry a short entity prefix (e.g. "lease_", "term_")
// so log lines and DB rows are self-describing.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// New returns "<prefix>_<21-char nanoid>" using an alphanumeric alphabet.
func New(prefix string) string {
	id, err := gonanoid.Generate(alphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return prefix + "_" + id
}

// NewLease returns a lease identifier.
func NewLease() string { return New("lease") }

// NewTerminal returns a terminal identifier.
func NewTerminal() string { return New("term") }

// NewSession returns a chat session identifier.
func NewSession() string { return New("sess") }

// NewEvent returns a lease event identifier.
func NewEvent() string { return New("evt") }

// NewRun returns a run identifier. Runs use UUIDs so they remain
// recognizable in client-facing cursors and logs.
func NewRun() string {
	return uuid.NewString()
}

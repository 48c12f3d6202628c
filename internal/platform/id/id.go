// Package id generates opaque identifiers for messaging entities.
//
// Identifiers are random UUIDs rendered as 26-character lowercase base32
// without padding, keeping them URL- and log-friendly while preserving the
// UUID entropy and version bits.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new random identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// MustNewID returns a new random identifier and panics on entropy failure.
// Reserved for tests and seeding paths where failure is unrecoverable.
func MustNewID() string {
	value, err := NewID()
	if err != nil {
		panic(err)
	}
	return value
}

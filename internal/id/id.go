// Package id generates identifiers: UUIDs for persisted entities and
// short nanoid suffixes for filesystem names.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// New returns a random UUID string for a persisted entity row.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Suffix returns an n-character lowercase alphanumeric nanoid, used for
// worktree directory names.
func Suffix(n int) string {
	s, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", n)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return s
}

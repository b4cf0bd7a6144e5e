// Package idgen provides pluggable ID generation for moisson.
//
// Constructors across the repo accept a Generator, making the ID strategy
// a startup-time decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator producing base-36 IDs of the given length.
// Short and URL-safe; use where UUIDv7 is too verbose.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		b := make([]byte, length)
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
// Time-sortable and globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID,
// for type-scoped identifiers (e.g. "job_", "ext_", "prj_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the repo-wide default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string and returns it normalised, or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}

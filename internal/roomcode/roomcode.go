// Package roomcode generates the short, human-shareable codes used to
// address rooms.
package roomcode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	// Alphabet is the set of symbols a room code is drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// DefaultLength is the length of generated room codes.
	DefaultLength = 6
)

// ErrExhausted is returned by Unique when a bounded number of attempts
// did not produce a free code.
var ErrExhausted = errors.New("room code attempts exhausted")

// Generator produces a single random code per call.
type Generator func() (string, error)

// NewGenerator returns a Generator drawing codes of the given length
// uniformly from Alphabet.
func NewGenerator(length int) (Generator, error) {
	if length <= 0 {
		length = DefaultLength
	}

	gen, err := nanoid.CustomASCII(Alphabet, length)
	if err != nil {
		return nil, fmt.Errorf("new code generator: %w", err)
	}

	return func() (string, error) {
		return gen(), nil
	}, nil
}

// Generate draws a single code of the given length.
func Generate(length int) (string, error) {
	gen, err := NewGenerator(length)
	if err != nil {
		return "", err
	}

	return gen()
}

// Unique calls gen until taken reports a code as free. A maxAttempts of
// zero or less retries without bound.
func Unique(ctx context.Context, gen Generator, taken func(context.Context, string) (bool, error), maxAttempts int) (string, error) {
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := gen()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}

		exists, err := taken(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code %q: %w", code, err)
		}

		if !exists {
			return code, nil
		}
	}

	return "", ErrExhausted
}

// Normalize returns the canonical form of a user supplied room code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

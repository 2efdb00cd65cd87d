// Package token provides short job ID generation.
package token

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// idLength is the number of hex characters in a job ID. Eight gives
// four random bytes, plenty for a single-process job store while
// keeping IDs easy to paste into curl.
const idLength = 8

// Generator creates short hex job IDs backed by UUIDv4 randomness.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns an 8-character lowercase hex token.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(id[:])[:idLength], nil
}

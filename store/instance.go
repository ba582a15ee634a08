// store/instance.go

package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newInstanceID generates the random identifier stored in config_v1 the
// first time a store is created (spec's original_source-only feature: see
// SPEC_FULL.md §8).
func newInstanceID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("store: generate instance id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

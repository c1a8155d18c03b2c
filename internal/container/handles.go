package container

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// idLength is the number of hex characters kept from the handle digest.
const idLength = 16

// HandleGenerator issues container handles and derives ids from them.
type HandleGenerator interface {
	GenerateHandle() string
	GenerateID(handle string) string
}

// DefaultHandles generates random handles and digest-derived ids.
type DefaultHandles struct{}

var _ HandleGenerator = DefaultHandles{}

// GenerateHandle returns a random dashless UUID.
func (DefaultHandles) GenerateHandle() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateID derives a short, filesystem- and username-safe id from handle.
// Handles with the same registry key map to the same id.
func (DefaultHandles) GenerateID(handle string) string {
	sum := sha256.Sum256([]byte(registryKey(handle)))
	return hex.EncodeToString(sum[:])[:idLength]
}

// registryKey normalizes a handle for registry lookups.
func registryKey(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

package orders

import (
	"strings"

	"github.com/google/uuid"
)

// maxClientOrderIDLength is the longest client id the venue accepts.
const maxClientOrderIDLength = 32

// NewClientOrderID returns a unique client order id prefixed with prefix.
func NewClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	out := strings.TrimSpace(prefix) + id
	if len(out) > maxClientOrderIDLength {
		out = out[:maxClientOrderIDLength]
	}
	return out
}

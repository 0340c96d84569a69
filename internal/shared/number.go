package shared

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewNumber returns a human readable document number such as PUR-20240315-1A2B3C4D.
func NewNumber(prefix string, at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), suffix)
}

// DeriveBatchID returns a stable batch identifier for payload, so an identical
// resubmission without an explicit batch id is still recognised.
func DeriveBatchID(module string, payload []byte) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(module+":"), payload...)).String()
}

package workflow

import "github.com/google/uuid"

// NewID builds a prefixed identifier such as run_9f2c... The prefix
// keeps ids self-describing in logs and API payloads.
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Package env reads the few settings needed before config.Load has run,
// such as the log format used while config errors are reported.
package env

import (
	"os"
	"strings"
)

// Prefix namespaces allocator variables.
const Prefix = "ALLOCATOR_"

// Get returns ALLOCATOR_<key>, then the bare key, then fallback.
func Get(key, fallback string) string {
	for _, name := range []string{Prefix + key, key} {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return fallback
}

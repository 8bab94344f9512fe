package api

import (
	"os"
	"strings"
)

const (
	LatchEnvPrefix = "LATCH_"
)

// ReadLatchVariable returns the value of a LATCH_-prefixed environment
// variable; other names read as "".
func ReadLatchVariable(name string) string {
	if strings.HasPrefix(name, LatchEnvPrefix) {
		return os.Getenv(name)
	}
	return ""
}

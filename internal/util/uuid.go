package util

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var uuidPattern = regexp.MustCompile(`^0x[0-9a-f]{32}$`)

// GenerateUUID returns a fresh object identifier of the form 0x<32 hex digits>
func GenerateUUID() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsValidUUID reports whether s is a well-formed object identifier
func IsValidUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

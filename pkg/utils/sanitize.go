package utils

import (
	"regexp"
	"strings"
)

// Characters invalid in Windows/Unix path components
var invalidPathChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
var underscoreRuns = regexp.MustCompile(`_+`)

const maxPathComponentLength = 100

// SanitizePathComponent turns a site key or host name into a safe single directory name.
func SanitizePathComponent(name string) string {
	sanitized := invalidPathChars.ReplaceAllString(name, "_")
	sanitized = underscoreRuns.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ .")

	if len(sanitized) > maxPathComponentLength {
		sanitized = strings.Trim(sanitized[:maxPathComponentLength], "_ .")
	}

	if sanitized == "" {
		return "unnamed"
	}
	return sanitized
}

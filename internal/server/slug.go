package server

import (
	"regexp"
	"strings"
)

var slugNonAlphaNumeric = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a repository slug from its display name: lower-cased,
// hyphen-joined runs of alphanumerics, with leading/trailing hyphens
// trimmed.
func Slugify(name string) string {
	lower := strings.ToLower(name)
	slug := slugNonAlphaNumeric.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}

package backend

import (
	"strings"

	"golang.org/x/text/language"
)

const defaultLocale = "EN"

// Locale reduces a BCP 47 or POSIX locale ("pt_BR.UTF-8", "en-US") to its
// upper-case base language. Unknown input yields EN.
func Locale(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, ".@"); i >= 0 {
		tag = tag[:i]
	}
	tag = strings.ReplaceAll(tag, "_", "-")
	if tag == "" || strings.EqualFold(tag, "C") || strings.EqualFold(tag, "POSIX") {
		return defaultLocale
	}

	parsed, err := language.Parse(tag)
	if err != nil {
		return defaultLocale
	}
	base, confidence := parsed.Base()
	if confidence == language.No {
		return defaultLocale
	}
	code := base.String()
	if code == "" || code == "und" {
		return defaultLocale
	}
	return strings.ToUpper(code)
}

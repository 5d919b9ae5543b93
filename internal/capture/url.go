package capture

import (
	"net"
	"net/url"
	"strings"
	"unicode"
)

// ValidateURL normalizes a requested URL: it strips surrounding whitespace and
// defaults to http:// when the scheme is omitted. It rejects empty input,
// control characters, non-http(s) schemes, and URLs that do not parse to a
// plausible host. Past experience shows control characters can make it through
// and cause problems down the line, so they are rejected explicitly.
func ValidateURL(requested string) (string, error) {
	cleaned := strings.TrimSpace(requested)
	if cleaned == "" {
		return "", newValidationError("URL cannot be empty.")
	}
	if !strings.HasPrefix(cleaned, "http") {
		cleaned = "http://" + cleaned
	}
	if containsControlCharacters(cleaned) {
		return "", newValidationError("URL contains invalid characters.")
	}

	u, err := url.Parse(cleaned)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || !validHost(u) {
		return "", newValidationError("Not a valid URL.")
	}
	return cleaned, nil
}

func containsControlCharacters(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// validHost requires a hostname with at least one dot (or localhost, or an IP
// literal), so bare strings like "examplecom" classify as invalid.
func validHost(u *url.URL) bool {
	host := u.Hostname()
	if host == "" || strings.Contains(u.Host, " ") {
		return false
	}
	if strings.Contains(u.Host, ":") && !strings.HasPrefix(u.Host, "[") && u.Port() == "" {
		// trailing colon with no port, e.g. "example.com:"
		return false
	}
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return true
	}
	return strings.Contains(host, ".") && !strings.HasPrefix(host, ".") && !strings.HasSuffix(host, ".")
}

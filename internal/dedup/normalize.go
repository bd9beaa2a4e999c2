package dedup

import (
	"errors"
	"strings"
)

// ErrEmptyURL is returned when a URL is empty or normalizes to nothing.
var ErrEmptyURL = errors.New("dedup: empty url")

// Normalize reduces a URL to the key under which sightings from different
// sources collide: lower-cased, scheme and leading "www." stripped, trailing
// slashes removed. "http://Example.com/x/", "https://www.example.com/x" and
// "example.com/x" all share one key.
func Normalize(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrEmptyURL
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimRight(s, "/")
	if s == "" {
		return "", ErrEmptyURL
	}
	return s, nil
}

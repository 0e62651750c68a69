package bilprospekt

import (
	"strings"
	"time"
)

// Version is the upstream dataset marker, normally a date.
type Version string

var versionLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func (v Version) time() (time.Time, bool) {
	s := strings.TrimSpace(string(v))
	for _, layout := range versionLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NewerThan reports whether v is strictly newer than stored. An empty stored
// version is older than anything. Unparseable values compare as strings.
func (v Version) NewerThan(stored Version) bool {
	if strings.TrimSpace(string(v)) == "" {
		return false
	}
	if strings.TrimSpace(string(stored)) == "" {
		return true
	}

	vt, okV := v.time()
	st, okS := stored.time()
	if okV && okS {
		return vt.After(st)
	}
	return string(v) > string(stored)
}

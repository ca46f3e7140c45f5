package httpclient

import (
	"fmt"
	"strconv"
	"strings"
)

type statusRange struct{ lo, hi int }

// StatusCodeSet is a set of HTTP status codes and inclusive ranges, parsed
// from strings such as "200-299,404".
type StatusCodeSet struct {
	ranges []statusRange
}

// ParseStatusCodes parses a comma separated list of codes and ranges.
// An empty string yields a nil set.
func ParseStatusCodes(s string) (*StatusCodeSet, error) {
	set := &StatusCodeSet{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		loStr, hiStr, isRange := strings.Cut(part, "-")
		if !isRange {
			hiStr = loStr
		}
		lo, err := strconv.Atoi(strings.TrimSpace(loStr))
		if err != nil {
			return nil, fmt.Errorf("invalid status code %q: %w", part, err)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(hiStr))
		if err != nil {
			return nil, fmt.Errorf("invalid status code %q: %w", part, err)
		}
		if lo > hi || lo < 100 || hi > 599 {
			return nil, fmt.Errorf("invalid status code range %q", part)
		}
		set.ranges = append(set.ranges, statusRange{lo, hi})
	}
	if set.IsEmpty() {
		return nil, nil
	}
	return set, nil
}

// MustParseStatusCodes is ParseStatusCodes for constant inputs.
func MustParseStatusCodes(s string) *StatusCodeSet {
	set, err := ParseStatusCodes(s)
	if err != nil {
		panic(err)
	}
	return set
}

// Contains reports whether code is in the set. A nil set contains nothing.
func (s *StatusCodeSet) Contains(code int) bool {
	if s == nil {
		return false
	}
	for _, r := range s.ranges {
		if code >= r.lo && code <= r.hi {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the set has no entries.
func (s *StatusCodeSet) IsEmpty() bool {
	return s == nil || len(s.ranges) == 0
}

func (s *StatusCodeSet) String() string {
	if s.IsEmpty() {
		return ""
	}
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.lo == r.hi {
			parts = append(parts, strconv.Itoa(r.lo))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.lo, r.hi))
		}
	}
	return strings.Join(parts, ",")
}

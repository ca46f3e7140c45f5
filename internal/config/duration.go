package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Duration is a time.Duration that also accepts day (d) and week (w) units,
// as in "1w2d12h". It is used for retention settings.
type Duration time.Duration

var extendedUnits = regexp.MustCompile(`^(\d+)([dw])`)

// ParseDuration parses Go duration syntax with optional leading d and w terms.
func ParseDuration(s string) (Duration, error) {
	rest := strings.TrimSpace(s)
	if rest == "" {
		return 0, fmt.Errorf("empty duration")
	}
	negative := strings.HasPrefix(rest, "-")
	rest = strings.TrimPrefix(rest, "-")

	var total time.Duration
	for {
		m := extendedUnits.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit := day
		if m[2] == "w" {
			unit = week
		}
		total += time.Duration(n) * unit
		rest = rest[len(m[0]):]
	}
	if rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += d
	}
	if negative {
		total = -total
	}
	return Duration(total), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String uses w and d for whole weeks and days.
func (d Duration) String() string {
	dur := time.Duration(d)
	if dur == 0 {
		return "0s"
	}
	var b strings.Builder
	if dur < 0 {
		b.WriteByte('-')
		dur = -dur
	}
	if w := dur / week; w > 0 {
		fmt.Fprintf(&b, "%dw", w)
		dur -= w * week
	}
	if n := dur / day; n > 0 {
		fmt.Fprintf(&b, "%dd", n)
		dur -= n * day
	}
	if dur > 0 {
		b.WriteString(dur.String())
	}
	return b.String()
}

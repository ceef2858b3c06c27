package config

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from Go duration strings
// ("30s", "30m") or from a bare number of seconds ("1800").
type Duration time.Duration

// maxSeconds is the largest number of seconds a time.Duration holds
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// ParseDuration parses a Go duration string or a number of seconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > maxSeconds {
			return 0, oops.
				Code("INVALID_DURATION").
				In("config").
				With("value", s).
				Errorf("duration %q out of range", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, oops.
			Code("INVALID_DURATION").
			In("config").
			With("value", s).
			Wrapf(err, "invalid duration %q", s)
	}
	return d, nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats the duration like time.Duration
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts both quoted and bare scalars
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return oops.
			Code("INVALID_DURATION").
			In("config").
			With("line", node.Line).
			Errorf("duration must be a scalar")
	}
	return d.UnmarshalText([]byte(node.Value))
}

package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that travels through JSON as a duration
// string ("30s", "10m", "72h"). Runtime config fields use it so operators
// patch human-readable values instead of nanosecond counts.
type Duration time.Duration

// Std converts back to time.Duration for use with the time package.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler. encoding/json picks this
// up and emits the value as a quoted duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Bare numbers are
// rejected up front by the JSON decoder because only strings reach here.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}

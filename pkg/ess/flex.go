package ess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FlexInt decodes from a JSON number or a numeric string. The API returns the
// threshold as a number from GET and as a string from PATCH.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler. null leaves the value unchanged.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		b = []byte(s)
	}
	// allow 300.0 but not 300.5
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", b, err)
	}
	if n != float64(int(n)) {
		return fmt.Errorf("invalid integer %q: not whole", b)
	}
	*f = FlexInt(int(n))
	return nil
}

// FlexPercent is a telemetry percentage. It accepts a number or a numeric
// string, rounds to the nearest whole percent and clamps to 0..100. Anything
// unparseable decodes as 0 so one bad panel does not fail the overview.
type FlexPercent int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexPercent) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*f = 0
			return nil
		}
		b = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(n) {
		*f = 0
		return nil
	}
	*f = FlexPercent(math.Round(min(max(n, 0), 100)))
	return nil
}

// FlexString decodes from a JSON string or number. Station IDs are strings
// but older API versions returned them as numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %q: %w", b, err)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

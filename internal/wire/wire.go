// Package wire holds JSON field types tolerant of the venue's mixed string/number encodings.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Millis is a millisecond epoch timestamp encoded as a number or a numeric string.
type Millis int64

// UnmarshalJSON accepts numbers, numeric strings, empty strings and null.
func (m *Millis) UnmarshalJSON(data []byte) error {
	trimmed := unquote(data)
	if len(trimmed) == 0 {
		*m = 0
		return nil
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*m = Millis(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*m = Millis(int64(parsed))
		return nil
	}
	return fmt.Errorf("wire: invalid timestamp %q", string(data))
}

// Time converts m to UTC time; zero stays the zero time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// Number is a decimal encoded as a number or a numeric string. Set reports whether a value was present.
type Number struct {
	Value decimal.Decimal
	Set   bool
}

// UnmarshalJSON accepts numbers, numeric strings, empty strings and null.
func (n *Number) UnmarshalJSON(data []byte) error {
	trimmed := unquote(data)
	if len(trimmed) == 0 {
		*n = Number{}
		return nil
	}
	dec, err := decimal.NewFromString(string(trimmed))
	if err != nil {
		return fmt.Errorf("wire: invalid number %q: %w", string(data), err)
	}
	*n = Number{Value: dec, Set: true}
	return nil
}

// Dec returns the value or zero.
func (n Number) Dec() decimal.Decimal {
	if !n.Set {
		return decimal.Zero
	}
	return n.Value
}

// ID is an identifier the venue sends either as a string or as a bare number.
type ID string

// UnmarshalJSON keeps the textual form of numeric ids so large values are not rounded.
func (id *ID) UnmarshalJSON(data []byte) error {
	*id = ID(unquote(data))
	return nil
}

func (id ID) String() string { return string(id) }

func unquote(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
	}
	return trimmed
}

package pake

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// Display code constants.
const (
	// DefaultDisplayCodeLength is the number of digits in an issued code.
	DefaultDisplayCodeLength = 6

	// MinDisplayCodeLength is the shortest accepted code.
	MinDisplayCodeLength = 6

	// MaxDisplayCodeLength is the longest accepted code.
	MaxDisplayCodeLength = 10
)

// ErrInvalidDisplayCode indicates a code that is not a 6-10 digit string.
var ErrInvalidDisplayCode = errors.New("invalid display code")

// DisplayCode is the short decimal code a human relays from the approver to
// the agent. It is the PAKE password and must never be logged or sent.
type DisplayCode string

// GenerateDisplayCode generates a random code of the given number of digits
// from r. A nil reader uses crypto/rand.
func GenerateDisplayCode(length int, r io.Reader) (DisplayCode, error) {
	if length < MinDisplayCodeLength || length > MaxDisplayCodeLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidDisplayCode, length)
	}
	if r == nil {
		r = rand.Reader
	}

	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(r, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate display code: %w", err)
	}
	return DisplayCode(fmt.Sprintf("%0*d", length, n)), nil
}

// ParseDisplayCode parses user input into a DisplayCode. Surrounding
// whitespace and grouping characters (space, '-') are ignored.
func ParseDisplayCode(s string) (DisplayCode, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(" ", "", "-", "").Replace(s)

	code := DisplayCode(s)
	if err := code.Validate(); err != nil {
		return "", err
	}
	return code, nil
}

// MustParseDisplayCode parses a code and panics on error.
// Use only in tests or when the code is known to be valid.
func MustParseDisplayCode(s string) DisplayCode {
	code, err := ParseDisplayCode(s)
	if err != nil {
		panic(err)
	}
	return code
}

// Validate checks that the code has an accepted length and only digits.
func (c DisplayCode) Validate() error {
	if len(c) < MinDisplayCodeLength || len(c) > MaxDisplayCodeLength {
		return fmt.Errorf("%w: must be %d-%d digits", ErrInvalidDisplayCode, MinDisplayCodeLength, MaxDisplayCodeLength)
	}
	for _, r := range c {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: non-digit character", ErrInvalidDisplayCode)
		}
	}
	return nil
}

// Bytes returns a fresh copy of the code as the PAKE password input.
// Callers should wipe the slice after use.
func (c DisplayCode) Bytes() []byte {
	return []byte(c)
}

// Grouped returns the code split into groups of three for display.
func (c DisplayCode) Grouped() string {
	s := string(c)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String redacts the code so it cannot leak through %v formatting.
func (c DisplayCode) String() string {
	return strings.Repeat("*", len(c))
}

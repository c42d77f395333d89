// Package feed delivers market ticks to analyst agents. Consumers tolerate
// duplicates and reordering; the feed never blocks on a slow reader.
package feed

import (
	"context"

	"main/internal/schema"
	"main/pkg/exception"
)

// PriceDecimals is the fixed-point scale of tick prices.
const PriceDecimals = 6

// Source produces market ticks until its context is done.
type Source interface {
	Ticks() <-chan schema.Tick
	Run(ctx context.Context) error
}

// ParseScaled converts a decimal string into a fixed-point integer with the
// given number of fractional digits. Excess digits are truncated.
func ParseScaled(s string, decimals int) (int64, error) {
	if s == "" {
		return 0, exception.ErrFeedDecodeFrame
	}
	neg := false
	i := 0
	switch s[0] {
	case '-':
		neg = true
		i++
	case '+':
		i++
	}
	if i >= len(s) {
		return 0, exception.ErrFeedDecodeFrame
	}

	var whole, frac int64
	fracDigits := 0
	seenDot := false
	for ; i < len(s); i++ {
		c := s[i]
		if c == '.' {
			if seenDot {
				return 0, exception.ErrFeedDecodeFrame
			}
			seenDot = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, exception.ErrFeedDecodeFrame
		}
		d := int64(c - '0')
		if !seenDot {
			whole = whole*10 + d
			continue
		}
		if fracDigits < decimals {
			frac = frac*10 + d
			fracDigits++
		}
	}

	for fracDigits < decimals {
		frac *= 10
		fracDigits++
	}
	v := whole
	for range decimals {
		v *= 10
	}
	v += frac
	if neg {
		v = -v
	}
	return v, nil
}

// ParsePrice converts a decimal price string to the fixed tick price scale.
func ParsePrice(s string) (schema.Price, error) {
	v, err := ParseScaled(s, PriceDecimals)
	if err != nil {
		return 0, err
	}
	return schema.Price(v), nil
}

// ParseQuantity converts a decimal size string into instrument base units.
func ParseQuantity(s string, baseDecimals schema.Scale) (schema.Quantity, error) {
	v, err := ParseScaled(s, int(baseDecimals))
	if err != nil {
		return 0, err
	}
	return schema.Quantity(v), nil
}

// Package helpers provides small utility functions shared across the codebase.
package helpers

import (
	"fmt"
	"strings"
)

// satoshiDecimals is the number of decimal places in a bitcoin amount.
const satoshiDecimals = 8

// FormatSatoshis formats an amount of satoshis as a decimal BTC string.
// For example, FormatSatoshis(100000000) returns "1".
func FormatSatoshis(satoshis int64) string {
	neg := satoshis < 0
	if neg {
		satoshis = -satoshis
	}

	const divisor = 100000000
	whole := satoshis / divisor
	frac := satoshis % divisor

	var s string
	if frac == 0 {
		s = fmt.Sprintf("%d", whole)
	} else {
		fracStr := fmt.Sprintf("%08d", frac)
		fracStr = strings.TrimRight(fracStr, "0")
		s = fmt.Sprintf("%d.%s", whole, fracStr)
	}
	if neg {
		return "-" + s
	}
	return s
}

// ParseSatoshis parses a decimal BTC string into satoshis.
// For example, ParseSatoshis("0.5") returns 50000000.
func ParseSatoshis(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	neg := s[0] == '-'
	if neg {
		s = s[1:]
		if s == "" {
			return 0, fmt.Errorf("amount has sign but no digits")
		}
	}

	wholeStr := s
	fracStr := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholeStr = s[:i]
		fracStr = s[i+1:]
	}
	if wholeStr == "" {
		wholeStr = "0"
	}
	if len(fracStr) > satoshiDecimals {
		return 0, fmt.Errorf("too many decimal places in amount: %s", s)
	}
	for len(fracStr) < satoshiDecimals {
		fracStr += "0"
	}

	var total int64
	for _, c := range wholeStr + fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
		digit := int64(c - '0')
		if total > (1<<62)/10 {
			return 0, fmt.Errorf("amount overflow: %s", s)
		}
		total = total*10 + digit
	}
	if neg {
		total = -total
	}
	return total, nil
}

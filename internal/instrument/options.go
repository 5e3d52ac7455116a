// Package instrument normalizes venue-native option symbols into one
// canonical form so instruments can be matched across venues that encode
// expiries differently.
package instrument

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Canonicalize converts a native option symbol to the canonical id
// BASE-YYYY-MM-DD-STRIKE-[C|P]. It accepts the three expiry encodings seen
// on venues (YYMMDD, DDMMMYY like 27SEP24, and YYYY-MM-DD) and an optional
// quote-currency token after the base. Canonical ids pass through unchanged,
// so applying it twice is safe. ok is false when the symbol does not parse
// as an option.
func Canonicalize(symbol string) (string, bool) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "-")
	if len(parts) < 4 {
		return "", false
	}

	var cp string
	switch parts[len(parts)-1] {
	case "C", "CALL":
		cp = "C"
	case "P", "PUT":
		cp = "P"
	default:
		return "", false
	}

	strike, ok := normalizeStrike(parts[len(parts)-2])
	if !ok {
		return "", false
	}

	base := parts[0]
	mid := parts[1 : len(parts)-2]

	var expiry time.Time
	var err error
	switch len(mid) {
	case 1:
		expiry, err = parseCompactExpiry(mid[0])
	case 2:
		// BASE-QUOTE-YYMMDD form; the quote token must be alphabetic.
		if !isAlpha(mid[0]) {
			return "", false
		}
		expiry, err = parseCompactExpiry(mid[1])
	case 3:
		expiry, err = time.Parse("2006-1-2", strings.Join(mid, "-"))
	default:
		return "", false
	}
	if err != nil {
		return "", false
	}

	return fmt.Sprintf("%s-%s-%s-%s", base, expiry.Format("2006-01-02"), strike, cp), true
}

// normalizeStrike strips trailing zeros so 65000.0 and 65000 compare equal
// across venues.
func normalizeStrike(s string) (string, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func parseCompactExpiry(tok string) (time.Time, error) {
	if len(tok) == 6 && isDigits(tok) {
		return time.Parse("060102", tok) // YYMMDD
	}
	return time.Parse("2Jan06", tok) // DDMMMYY, e.g. 27SEP24
}

func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package postal normalizes free-text postal codes into the 4-digit form used
// for geocoding and routing.
package postal

import (
	"strings"

	"golang.org/x/text/width"
)

// CodeLength is the number of digits in a normalized postal code.
const CodeLength = 4

// Normalize extracts the first run of exactly four consecutive digits from
// raw. Input is trimmed, upper-cased and width-folded first so full-width
// digits typed on some mobile keyboards count. Runs of five or more digits
// do not qualify.
func Normalize(raw string) (string, bool) {
	s := width.Fold.String(strings.ToUpper(strings.TrimSpace(raw)))
	if s == "" {
		return "", false
	}

	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && isDigit(s[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start == CodeLength {
			return s[start:i], true
		}
		start = -1
	}
	return "", false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

package router

import (
	"regexp"
	"time"
)

// Filenames produced by the portal embed the reference date as an 8-digit
// YYYYMMDD run. Tokens preceded by a separator are preferred so a fund's
// registration number is not misread as a date; bare tokens are only
// considered when no separated token exists at all.
var (
	separatedDateExpr = regexp.MustCompile(`[_\-. ](\d{8})`)
	bareDateExpr      = regexp.MustCompile(`(\d{8})`)
)

const (
	minDateYear = 2000
	maxDateYear = 2035
)

// ExtractDate derives the reference date embedded in a produced filename.
// Returns false when no candidate token parses to a date in the accepted
// year range.
func ExtractDate(filename string) (time.Time, bool) {
	matches := separatedDateExpr.FindAllStringSubmatch(filename, -1)
	if len(matches) == 0 {
		matches = bareDateExpr.FindAllStringSubmatch(filename, -1)
	}

	for _, m := range matches {
		d, err := time.Parse("20060102", m[1])
		if err != nil {
			continue
		}
		if d.Year() < minDateYear || d.Year() > maxDateYear {
			continue
		}
		return d, true
	}
	return time.Time{}, false
}

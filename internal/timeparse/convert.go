// Package timeparse converts human-readable time expressions into absolute
// timestamps.
//
// Relative mode scans for <number><unit> tokens ("10m", "2d 3h", "1 week").
// Absolute mode understands a handful of explicit layouts plus natural
// language ("tomorrow at 9am") in the caller's timezone.
//
// The package is a pure function surface: no shared state, no clock other
// than time.Now at the call site.
package timeparse

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// Mode selects how the expression is interpreted.
type Mode int

const (
	Relative Mode = iota
	Absolute
)

// ErrInvalidExpression is wrapped by every parse failure so callers can
// distinguish "user typed nonsense" from real errors.
var ErrInvalidExpression = errors.New("invalid time expression")

// Single-letter units are case-sensitive: m is minutes, M is months.
var letterUnits = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
	"w": 604800,
	"M": 2592000,  // 30 days
	"y": 31536000, // 365 days
	"Y": 31536000,
}

// Word units are matched case-insensitively with up to one character of
// edit distance, which covers plurals and the common abbreviations
// ("hours", "hrs", "mins", "secs").
var wordUnits = map[string]int64{
	"second": 1,
	"sec":    1,
	"minute": 60,
	"min":    60,
	"hour":   3600,
	"hr":     3600,
	"day":    86400,
	"week":   604800,
	"wk":     604800,
	"month":  2592000,
	"mo":     2592000,
	"year":   31536000,
	"yr":     31536000,
}

var tokenRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([a-zA-Z]+)`)

var absoluteLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
	"15:04",
	time.RFC3339,
}

// Convert parses text into an absolute timestamp.
//
// loc is the timezone used for absolute interpretation (the caller resolves
// it from the user's stored preference; UTC when unset). requireFuture
// rejects absolute results that are not strictly after now.
func Convert(text string, mode Mode, loc *time.Location, requireFuture bool) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("%w: empty input", ErrInvalidExpression)
	}
	if loc == nil {
		loc = time.UTC
	}

	switch mode {
	case Relative:
		return convertRelative(text)
	case Absolute:
		return convertAbsolute(text, loc, requireFuture)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown conversion mode", ErrInvalidExpression)
	}
}

func convertRelative(text string) (time.Time, error) {
	var total float64
	matched := false
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		val, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
		if err != nil {
			continue
		}
		if secs, ok := unitSeconds(m[2]); ok {
			total += val * float64(secs)
			matched = true
		}
	}
	if !matched {
		return time.Time{}, fmt.Errorf("%w: no time units found in %q", ErrInvalidExpression, text)
	}
	return time.Now().UTC().Add(time.Duration(total * float64(time.Second))), nil
}

// wordUnitNames is wordUnits' key set in sorted order, so fuzzy matches of
// ambiguous typos resolve the same way on every run.
var wordUnitNames = func() []string {
	names := make([]string, 0, len(wordUnits))
	for w := range wordUnits {
		names = append(names, w)
	}
	sort.Strings(names)
	return names
}()

func unitSeconds(unit string) (int64, bool) {
	if len(unit) == 1 {
		secs, ok := letterUnits[unit]
		return secs, ok
	}
	lower := strings.ToLower(unit)
	if secs, ok := wordUnits[lower]; ok {
		return secs, true
	}
	for _, word := range wordUnitNames {
		if levenshtein.ComputeDistance(lower, word) <= 1 {
			return wordUnits[word], true
		}
	}
	return 0, false
}

func convertAbsolute(text string, loc *time.Location, requireFuture bool) (time.Time, error) {
	now := time.Now().In(loc)

	parsed, ok := parseLayouts(text, loc, now)
	if !ok {
		w := when.New(nil)
		w.Add(en.All...)
		w.Add(common.All...)
		r, err := w.Parse(text, now)
		if err != nil || r == nil {
			return time.Time{}, fmt.Errorf("%w: could not parse %q", ErrInvalidExpression, text)
		}
		parsed = r.Time
	}

	if requireFuture && !parsed.After(time.Now()) {
		return time.Time{}, fmt.Errorf("%w: %q is not in the future", ErrInvalidExpression, text)
	}
	return parsed.UTC(), nil
}

func parseLayouts(text string, loc *time.Location, now time.Time) (time.Time, bool) {
	for _, layout := range absoluteLayouts {
		t, err := time.ParseInLocation(layout, text, loc)
		if err != nil {
			continue
		}
		// Bare times and dates are missing components; fill them from now.
		if layout == "15:04" {
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
			if !t.After(now) {
				t = t.AddDate(0, 0, 1)
			}
		}
		return t, true
	}
	return time.Time{}, false
}

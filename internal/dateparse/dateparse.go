// Package dateparse turns user-typed dates and months into the YYYY-MM-DD
// and YYYY-MM forms stored on ledger entries.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/br"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

var natural = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(br.All...)
	w.Add(common.All...)
	return w
}()

// ParseDate parses a date relative to the current time.
//
// Supported formats:
//   - Exact dates: "2026-03-01", "01/03/2026", "01/03"
//   - Relative offsets: "+7d", "-2w", "+1m"
//   - Keywords: "today"/"hoje", "tomorrow"/"amanha", "yesterday"/"ontem"
//   - Anything olebedev/when understands in English or Portuguese
func ParseDate(input string) (string, error) {
	return ParseDateFrom(input, time.Now())
}

// ParseDateFrom parses a date input string relative to the given reference time.
func ParseDateFrom(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return "", fmt.Errorf("empty date input")
	}

	if t, err := time.Parse(dateLayout, input); err == nil {
		return t.Format(dateLayout), nil
	}
	if t, err := time.Parse("02/01/2006", input); err == nil {
		return t.Format(dateLayout), nil
	}
	if t, err := time.Parse("02/01", input); err == nil {
		return time.Date(now.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location()).Format(dateLayout), nil
	}

	switch input {
	case "today", "hoje":
		return now.Format(dateLayout), nil
	case "tomorrow", "amanha", "amanhã":
		return now.AddDate(0, 0, 1).Format(dateLayout), nil
	case "yesterday", "ontem":
		return now.AddDate(0, 0, -1).Format(dateLayout), nil
	}

	if t, ok, err := relative(input, now); ok {
		if err != nil {
			return "", err
		}
		return t.Format(dateLayout), nil
	}

	r, err := natural.Parse(input, now)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", input, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized date format: %q", input)
	}
	return r.Time.Format(dateLayout), nil
}

// relative handles +Nd, -Nw and +Nm offsets. ok is false when input is not
// an offset at all.
func relative(input string, now time.Time) (time.Time, bool, error) {
	if len(input) < 3 || (input[0] != '+' && input[0] != '-') {
		return time.Time{}, false, nil
	}
	n, err := strconv.Atoi(input[1 : len(input)-1])
	if err != nil || n < 0 {
		return time.Time{}, false, nil
	}
	if input[0] == '-' {
		n = -n
	}
	switch input[len(input)-1] {
	case 'd':
		return now.AddDate(0, 0, n), true, nil
	case 'w':
		return now.AddDate(0, 0, n*7), true, nil
	case 'm':
		return now.AddDate(0, n, 0), true, nil
	default:
		return time.Time{}, true, fmt.Errorf("unknown relative unit %q in %q (use d, w, or m)", input[len(input)-1:], input)
	}
}

// ParseMonth parses a month relative to the current time.
func ParseMonth(input string) (string, error) {
	return ParseMonthFrom(input, time.Now())
}

// ParseMonthFrom parses "2025-03", "03/2025", "this"/"atual",
// "next"/"proximo", "last"/"anterior" or a month offset like "+2m". Any
// date ParseDateFrom accepts yields its month.
func ParseMonthFrom(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return "", fmt.Errorf("empty month input")
	}
	if t, err := time.Parse(monthLayout, input); err == nil {
		return t.Format(monthLayout), nil
	}
	if t, err := time.Parse("01/2006", input); err == nil {
		return t.Format(monthLayout), nil
	}

	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	switch input {
	case "this", "current", "atual", "este":
		return first.Format(monthLayout), nil
	case "next", "proximo", "próximo":
		return first.AddDate(0, 1, 0).Format(monthLayout), nil
	case "last", "previous", "anterior":
		return first.AddDate(0, -1, 0).Format(monthLayout), nil
	}

	if t, ok, err := relative(input, first); ok && strings.HasSuffix(input, "m") {
		if err != nil {
			return "", err
		}
		return t.Format(monthLayout), nil
	}

	d, err := ParseDateFrom(input, now)
	if err != nil {
		return "", fmt.Errorf("unrecognized month format: %q", input)
	}
	return d[:7], nil
}

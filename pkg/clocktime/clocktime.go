// Package clocktime parses loosely formatted wall-clock times and formats
// them for 12-hour display. Input is matched against a prioritized grammar:
//
//  1. hour:minute with a meridiem suffix ("2:30 PM", "2.30pm", "2:30 p.m.")
//  2. compact digits with a meridiem suffix ("230pm", "2pm")
//  3. 24-hour hour:minute ("14:30", "9:05")
//  4. compact 24-hour digits ("1430", "0905")
//  5. bare hour ("2" is 2:00 AM, "14" is 2:00 PM)
//
// The first rule that matches wins. Times have no date or zone component.
package clocktime

import (
	"fmt"
	"strconv"
	"strings"
)

// Time is a wall-clock time of day. Hour is 0-23.
type Time struct {
	Hour   int
	Minute int
}

// meridiem values after normalization.
const (
	noMeridiem = ""
	am         = "am"
	pm         = "pm"
)

// Parse converts a loosely formatted time string into a Time.
func Parse(s string) (Time, error) {
	raw := s
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Time{}, fmt.Errorf("empty time")
	}

	s, mer := splitMeridiem(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return Time{}, fmt.Errorf("invalid time %q", raw)
	}

	hour, minute, err := parseDigits(s)
	if err != nil {
		return Time{}, fmt.Errorf("invalid time %q", raw)
	}
	if minute < 0 || minute > 59 {
		return Time{}, fmt.Errorf("invalid time %q", raw)
	}

	switch mer {
	case noMeridiem:
		if hour < 0 || hour > 23 {
			return Time{}, fmt.Errorf("invalid time %q", raw)
		}
		return Time{Hour: hour, Minute: minute}, nil
	case am:
		if hour < 1 || hour > 12 {
			return Time{}, fmt.Errorf("invalid time %q", raw)
		}
		if hour == 12 {
			hour = 0
		}
		return Time{Hour: hour, Minute: minute}, nil
	default: // pm
		if hour < 1 || hour > 12 {
			return Time{}, fmt.Errorf("invalid time %q", raw)
		}
		if hour != 12 {
			hour += 12
		}
		return Time{Hour: hour, Minute: minute}, nil
	}
}

// splitMeridiem strips a trailing am/pm marker, tolerating dots and spacing
// ("p.m.", " PM", "pm").
func splitMeridiem(s string) (rest, mer string) {
	compact := strings.ReplaceAll(s, ".", "")
	compact = strings.TrimSpace(compact)
	switch {
	case strings.HasSuffix(compact, "am"):
		return strings.TrimSpace(strings.TrimSuffix(compact, "am")), am
	case strings.HasSuffix(compact, "pm"):
		return strings.TrimSpace(strings.TrimSuffix(compact, "pm")), pm
	case strings.HasSuffix(compact, "a"):
		return strings.TrimSpace(strings.TrimSuffix(compact, "a")), am
	case strings.HasSuffix(compact, "p"):
		return strings.TrimSpace(strings.TrimSuffix(compact, "p")), pm
	}
	return s, noMeridiem
}

// parseDigits reads the numeric core: "h:mm", "h.mm", "hmm", "hhmm" or a
// bare hour.
func parseDigits(s string) (hour, minute int, err error) {
	sep := strings.IndexAny(s, ":.")
	if sep >= 0 {
		hs, ms := s[:sep], s[sep+1:]
		if hs == "" || len(ms) != 2 {
			return 0, 0, fmt.Errorf("malformed")
		}
		hour, err = strconv.Atoi(hs)
		if err != nil {
			return 0, 0, err
		}
		minute, err = strconv.Atoi(ms)
		if err != nil {
			return 0, 0, err
		}
		return hour, minute, nil
	}

	if !isDigits(s) {
		return 0, 0, fmt.Errorf("malformed")
	}
	switch len(s) {
	case 1, 2: // bare hour
		hour, _ = strconv.Atoi(s)
		return hour, 0, nil
	case 3: // hmm
		hour, _ = strconv.Atoi(s[:1])
		minute, _ = strconv.Atoi(s[1:])
		return hour, minute, nil
	case 4: // hhmm
		hour, _ = strconv.Atoi(s[:2])
		minute, _ = strconv.Atoi(s[2:])
		return hour, minute, nil
	}
	return 0, 0, fmt.Errorf("malformed")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// String renders the time in 12-hour display form, e.g. "2:30 PM".
func (t Time) String() string {
	hour := t.Hour % 12
	if hour == 0 {
		hour = 12
	}
	mer := "AM"
	if t.Hour >= 12 {
		mer = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", hour, t.Minute, mer)
}

// MinuteOfDay returns minutes since midnight, for ordering.
func (t Time) MinuteOfDay() int {
	return t.Hour*60 + t.Minute
}

// Normalize parses s and returns its canonical 12-hour display form. An
// empty input stays empty.
func Normalize(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	t, err := Parse(s)
	if err != nil {
		return "", err
	}
	return t.String(), nil
}

package transfer

import (
	"fmt"
	"strings"
	"time"
)

// scheduleOpen evaluates a working-hours expression like
// "mon-fri 09:00-18:00" or "mon-fri 09:00-18:00, sat 09:00-13:00" against
// the given instant. An empty expression means always open. Malformed
// clauses yield an error so a typo fails loud instead of silently closing
// a department.
func scheduleOpen(expr string, now time.Time) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, ",") {
		open, err := clauseOpen(strings.TrimSpace(clause), now)
		if err != nil {
			return false, err
		}
		if open {
			return true, nil
		}
	}
	return false, nil
}

func clauseOpen(clause string, now time.Time) (bool, error) {
	fields := strings.Fields(clause)
	if len(fields) != 2 {
		return false, fmt.Errorf("transfer: malformed working-hours clause %q", clause)
	}
	days, err := parseDayRange(fields[0])
	if err != nil {
		return false, err
	}
	if !days[now.Weekday()] {
		return false, nil
	}

	from, to, err := parseTimeRange(fields[1])
	if err != nil {
		return false, err
	}
	minute := now.Hour()*60 + now.Minute()
	return minute >= from && minute < to, nil
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

func parseDayRange(s string) (map[time.Weekday]bool, error) {
	out := map[time.Weekday]bool{}
	from, to, ok := strings.Cut(strings.ToLower(s), "-")
	first, okFirst := dayNames[from]
	if !okFirst {
		return nil, fmt.Errorf("transfer: unknown day %q", from)
	}
	if !ok {
		out[first] = true
		return out, nil
	}
	last, okLast := dayNames[to]
	if !okLast {
		return nil, fmt.Errorf("transfer: unknown day %q", to)
	}
	d := first
	for {
		out[d] = true
		if d == last {
			return out, nil
		}
		d = (d + 1) % 7
	}
}

// parseTimeRange returns the open interval [from, to) in minutes since
// midnight.
func parseTimeRange(s string) (from, to int, err error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("transfer: malformed time range %q", s)
	}
	if from, err = parseClock(lo); err != nil {
		return 0, 0, err
	}
	if to, err = parseClock(hi); err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("transfer: malformed clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

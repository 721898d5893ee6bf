package timeformat

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// CalendarParser accepts a single VEVENT block carrying one or more RRULE
// lines, optionally wrapped in a VCALENDAR. Other properties are ignored;
// the schedule is anchored at the trigger start time.
type CalendarParser struct {
	clock func() time.Time
}

func NewCalendarParser() *CalendarParser {
	return &CalendarParser{clock: func() time.Time { return time.Now().UTC() }}
}

func (p *CalendarParser) Parse(pattern string, start time.Time) (Schedule, error) {
	ruleStrs, err := extractRules(pattern)
	if err != nil {
		return nil, err
	}

	start = start.UTC().Truncate(time.Second)
	rules := make([]*rrule.RRule, 0, len(ruleStrs))
	for _, s := range ruleStrs {
		opt, err := rrule.StrToROption(s)
		if err != nil {
			return nil, fmt.Errorf("%w: parse RRULE %q: %v", domain.ErrInvalidInput, s, err)
		}
		opt.Dtstart = start
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("%w: build RRULE %q: %v", domain.ErrInvalidInput, s, err)
		}
		rules = append(rules, r)
	}

	return &calendar{rules: rules, start: start, clock: p.clock}, nil
}

func extractRules(pattern string) ([]string, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("%w: empty calendar pattern", domain.ErrInvalidInput)
	}

	var (
		events  int
		inEvent bool
		rules   []string
	)
	for _, line := range unfold(pattern) {
		upper := strings.ToUpper(line)
		switch {
		case upper == "BEGIN:VEVENT":
			if inEvent {
				return nil, fmt.Errorf("%w: nested VEVENT", domain.ErrInvalidInput)
			}
			inEvent = true
			events++
		case upper == "END:VEVENT":
			if !inEvent {
				return nil, fmt.Errorf("%w: END:VEVENT without BEGIN", domain.ErrInvalidInput)
			}
			inEvent = false
		case strings.HasPrefix(upper, "RRULE:") || strings.HasPrefix(upper, "RRULE;"):
			if !inEvent {
				continue
			}
			idx := strings.Index(line, ":")
			if idx < 0 {
				return nil, fmt.Errorf("%w: malformed RRULE line %q", domain.ErrInvalidInput, line)
			}
			value := strings.Trim(strings.TrimSpace(line[idx+1:]), ";")
			if value == "" {
				return nil, fmt.Errorf("%w: empty RRULE", domain.ErrInvalidInput)
			}
			rules = append(rules, value)
		}
	}

	if inEvent {
		return nil, fmt.Errorf("%w: unterminated VEVENT", domain.ErrInvalidInput)
	}
	if events != 1 {
		return nil, fmt.Errorf("%w: calendar must contain exactly one VEVENT, found %d", domain.ErrInvalidInput, events)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: VEVENT has no RRULE", domain.ErrInvalidInput)
	}
	return rules, nil
}

// unfold joins RFC 5545 continuation lines and drops blanks.
func unfold(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var lines []string
	for _, raw := range strings.Split(s, "\n") {
		if raw == "" {
			continue
		}
		if (raw[0] == ' ' || raw[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += raw[1:]
			continue
		}
		if line := strings.TrimSpace(raw); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

type calendar struct {
	rules []*rrule.RRule
	start time.Time
	clock func() time.Time
}

func (c *calendar) Next(after time.Time) (time.Time, bool) {
	after = after.UTC()
	var best time.Time
	for _, r := range c.rules {
		t := r.After(after, false)
		if t.IsZero() {
			continue
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	if best.IsZero() {
		return time.Time{}, false
	}
	return best.UTC(), true
}

func (c *calendar) MinInterval() (time.Duration, bool) {
	ref := c.clock()
	if ref.Before(c.start) {
		ref = c.start
	}
	first, ok := c.Next(ref.Add(-time.Nanosecond))
	if !ok {
		return 0, false
	}
	end := addPeriod(first, c.coarsestFreq())

	var samples []time.Time
	for _, r := range c.rules {
		samples = append(samples, r.Between(first, end, true)...)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Before(samples[j]) })

	var (
		min   time.Duration
		found bool
	)
	for i := 1; i < len(samples); i++ {
		d := samples[i].Sub(samples[i-1])
		if d <= 0 {
			continue
		}
		if !found || d < min {
			min = d
			found = true
		}
	}
	return min, found
}

// coarsestFreq returns the lowest frequency among the rules; rrule orders
// frequencies from YEARLY (lowest value) to SECONDLY.
func (c *calendar) coarsestFreq() rrule.Frequency {
	freq := c.rules[0].OrigOptions.Freq
	for _, r := range c.rules[1:] {
		if r.OrigOptions.Freq < freq {
			freq = r.OrigOptions.Freq
		}
	}
	return freq
}

func addPeriod(t time.Time, freq rrule.Frequency) time.Time {
	switch freq {
	case rrule.YEARLY:
		return t.AddDate(1, 0, 0)
	case rrule.MONTHLY:
		return t.AddDate(0, 1, 0)
	case rrule.WEEKLY:
		return t.AddDate(0, 0, 7)
	case rrule.DAILY:
		return t.AddDate(0, 0, 1)
	case rrule.HOURLY:
		return t.Add(time.Hour)
	case rrule.MINUTELY:
		return t.Add(time.Minute)
	default:
		return t.Add(time.Second)
	}
}

// Package timeformat evaluates trigger time patterns.
//
// A Parser validates a pattern and compiles it, anchored at a start time, into
// a Schedule. Formats are registered by tag in a Registry that is built once at
// startup; unknown tags are rejected with domain.ErrInvalidInput.
package timeformat

import (
	"fmt"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

const (
	FormatCrontab  = "crontab"
	FormatCalendar = "calendar"
)

type Parser interface {
	Parse(pattern string, start time.Time) (Schedule, error)
}

type Schedule interface {
	// Next returns the first fire time strictly after after and not before the
	// schedule start. ok is false when the schedule has no further fires.
	Next(after time.Time) (next time.Time, ok bool)

	// MinInterval returns the smallest spacing between two consecutive fires.
	// ok is false when the pattern does not repeat within the probe window.
	MinInterval() (interval time.Duration, ok bool)
}

type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry holding the crontab and calendar formats.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(FormatCrontab, NewCrontabParser())
	r.Register(FormatCalendar, NewCalendarParser())
	return r
}

func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

func (r *Registry) Parse(format, pattern string, start time.Time) (Schedule, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: unknown time format %q", domain.ErrInvalidInput, format)
	}
	return p.Parse(pattern, start)
}

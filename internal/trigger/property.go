package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/timeformat"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Property is a validated trigger definition with its compiled schedule.
type Property struct {
	Format  string
	Pattern string
	Start   time.Time
	End     *time.Time
	Window  time.Duration

	schedule timeformat.Schedule
}

// Next returns the fire time strictly after after, honoring the end time.
func (p Property) Next(after time.Time) (time.Time, bool) {
	if p.schedule == nil {
		return time.Time{}, false
	}
	next, ok := p.schedule.Next(after)
	if !ok {
		return time.Time{}, false
	}
	if p.End != nil && next.After(*p.End) {
		return time.Time{}, false
	}
	return next, true
}

// CheckDefinition validates def and compiles it into a Property.
func CheckDefinition(def domain.TriggerDefinition, cfg Config, formats *timeformat.Registry) (Property, error) {
	if strings.TrimSpace(def.Format) == "" {
		return Property{}, fmt.Errorf("%w: format is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(def.Pattern) == "" {
		return Property{}, fmt.Errorf("%w: pattern is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(def.StartTime) == "" {
		return Property{}, fmt.Errorf("%w: start_time is required", domain.ErrInvalidInput)
	}

	start, err := parseTime(def.StartTime)
	if err != nil {
		return Property{}, fmt.Errorf("%w: start_time: %v", domain.ErrInvalidInput, err)
	}

	var end *time.Time
	if strings.TrimSpace(def.EndTime) != "" {
		e, err := parseTime(def.EndTime)
		if err != nil {
			return Property{}, fmt.Errorf("%w: end_time: %v", domain.ErrInvalidInput, err)
		}
		if !e.After(start) {
			return Property{}, fmt.Errorf("%w: end_time must be after start_time", domain.ErrInvalidInput)
		}
		end = &e
	}

	window := cfg.MinWindow
	if def.Window != 0 {
		window = time.Duration(def.Window) * time.Second
	}
	if window < cfg.MinWindow || window > cfg.MaxWindow {
		return Property{}, fmt.Errorf("%w: window %s must be between %s and %s",
			domain.ErrInvalidInput, window, cfg.MinWindow, cfg.MaxWindow)
	}

	schedule, err := formats.Parse(def.Format, def.Pattern, start)
	if err != nil {
		return Property{}, err
	}
	if interval, ok := schedule.MinInterval(); ok && interval < cfg.MinInterval {
		return Property{}, fmt.Errorf("%w: pattern fires every %s, minimum interval is %s",
			domain.ErrInvalidInput, interval, cfg.MinInterval)
	}

	return Property{
		Format:   def.Format,
		Pattern:  def.Pattern,
		Start:    start,
		End:      end,
		Window:   window,
		schedule: schedule,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

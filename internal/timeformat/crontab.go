package timeformat

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/easy-protect/internal/domain"
)

type CrontabParser struct {
	parser cron.Parser
	clock  func() time.Time
}

func NewCrontabParser() *CrontabParser {
	return &CrontabParser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

func (p *CrontabParser) Parse(pattern string, start time.Time) (Schedule, error) {
	sched, err := p.parser.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: parse crontab %q: %v", domain.ErrInvalidInput, pattern, err)
	}
	return &crontab{sched: sched, start: start.UTC(), clock: p.clock}, nil
}

type crontab struct {
	sched cron.Schedule
	start time.Time
	clock func() time.Time
}

func (c *crontab) Next(after time.Time) (time.Time, bool) {
	after = after.UTC()
	if after.Before(c.start) {
		// robfig is exclusive of its argument; step back so start itself can fire
		after = c.start.Add(-time.Nanosecond)
	}
	next := c.sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (c *crontab) MinInterval() (time.Duration, bool) {
	first, ok := c.Next(c.clock())
	if !ok {
		return 0, false
	}
	second, ok := c.Next(first)
	if !ok {
		return 0, false
	}
	return second.Sub(first), true
}

package worker

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Every is a fixed delay between the end of one iteration and the start of
// the next. Unlike cron.Every it keeps sub-second precision.
type Every time.Duration

// Next implements cron.Schedule.
func (e Every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// ParseSchedule returns the cron schedule for expr, or a fixed interval
// when expr is empty. Descriptors such as "@every 10s" are accepted.
func ParseSchedule(interval time.Duration, expr string) (cron.Schedule, error) {
	if expr == "" {
		if interval <= 0 {
			return nil, fmt.Errorf("job interval must be positive, got %s", interval)
		}
		return Every(interval), nil
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid job schedule %q: %w", expr, err)
	}
	return schedule, nil
}

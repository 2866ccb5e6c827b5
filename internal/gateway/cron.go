package gateway

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepParser accepts standard 5-field cron expressions for the retention
// sweep schedule.
var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// untilNextSweep returns how long to wait before the next scheduled sweep.
func untilNextSweep(expr string, now time.Time) (time.Duration, error) {
	sched, err := sweepParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		d = 0
	}
	return d, nil
}

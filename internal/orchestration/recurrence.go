package orchestration

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/procman/pkg/schema"
)

// cronParser accepts standard five-field expressions and descriptors such as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCronExpression parses a recurring schedule expression.
func ParseCronExpression(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest, "invalid cron expression %q: %s", expr, err).
			WithCause(err)
	}
	return sched, nil
}

// NextOccurrence returns the first recurring start strictly after from.
func (d *Description) NextOccurrence(from time.Time) (time.Time, error) {
	if !d.IsRecurring() {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeInvalidRequest, "description %s is not recurring", d.UniqueName)
	}
	sched, err := ParseCronExpression(d.RecurringCronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from).UTC(), nil
}

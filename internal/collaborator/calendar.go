// Package collaborator contains read-only adapters over data owned by other
// subsystems: staff master data, order ownership, tip-out configuration,
// shift sales, the duty roster and the business-day boundary.
package collaborator

import (
	"time"
)

const dateLayout = "2006-01-02"

// BusinessCalendar maps instants to business days. A business day starts at
// CutoffHour local time, so a 01:30 payment belongs to the previous day when
// the cutoff is 04:00.
type BusinessCalendar struct {
	loc        *time.Location
	cutoffHour int
}

func NewBusinessCalendar(timezone string, cutoffHour int) (*BusinessCalendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &BusinessCalendar{loc: loc, cutoffHour: cutoffHour}, nil
}

// UTCCalendar is a midnight-cutoff UTC calendar.
func UTCCalendar() *BusinessCalendar {
	return &BusinessCalendar{loc: time.UTC}
}

func (c *BusinessCalendar) BusinessDate(at time.Time) string {
	local := at.In(c.loc)
	if local.Hour() < c.cutoffHour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format(dateLayout)
}

// ParseDate validates a YYYY-MM-DD business date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

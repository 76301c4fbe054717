package maintenance

import (
	"time"

	"github.com/teambition/rrule-go"
)

// ParseSchedule parses an RRULE string such as "FREQ=HOURLY;INTERVAL=4",
// starting now. An empty string is no schedule.
func ParseSchedule(rule string) (*rrule.RRule, error) {
	if rule == "" {
		return nil, nil
	}
	start := time.Now().UTC().Format("20060102T150405Z")
	return rrule.StrToRRule("DTSTART=" + start + ";" + rule)
}

// Next is the first occurrence of rule after t, zero when there is none.
func Next(rule string, t time.Time) time.Time {
	rr, err := ParseSchedule(rule)
	if err != nil || rr == nil {
		return time.Time{}
	}
	return rr.After(t, false)
}

// StartSchedule calls fn at every occurrence of rule until quit is closed.
func StartSchedule(rule string, quit <-chan struct{}, fn func()) error {
	rr, err := ParseSchedule(rule)
	if err != nil || rr == nil {
		return err
	}
	go func() {
		for {
			next := rr.After(time.Now(), false)
			if next.IsZero() {
				return
			}
			t := time.NewTimer(time.Until(next))
			select {
			case <-t.C:
				fn()
			case <-quit:
				t.Stop()
				return
			}
		}
	}()
	return nil
}

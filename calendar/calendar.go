// Package calendar plans bookable demo slots against a calendar's busy
// periods and talks to the site's availability endpoint.
package calendar

import (
	"context"
	"fmt"
	"regexp"
	"time"
	_ "time/tzdata"

	"github.com/bt-bridge/voice-session/shared"
)

const (
	DefaultTimezone = "Asia/Kolkata"
	DefaultDuration = 30 * time.Minute
	SameDayBuffer   = time.Hour

	dateLayout = "2006-01-02"
	slotLayout = "15:04"
)

// Standard appointment slots, local to the calendar's time zone.
var (
	MorningSlots   = []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}
	AfternoonSlots = []string{"13:00", "13:30", "14:00", "14:30", "15:00", "15:30", "16:00", "16:30"}
	EveningSlots   = []string{"17:00", "17:30", "18:00", "18:30"}
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func AllSlots() []string {
	out := make([]string, 0, len(MorningSlots)+len(AfternoonSlots)+len(EveningSlots))
	out = append(out, MorningSlots...)
	out = append(out, AfternoonSlots...)
	return append(out, EveningSlots...)
}

type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether p intersects [start, end).
func (p Period) Overlaps(start, end time.Time) bool {
	return p.Start.Before(end) && start.Before(p.End)
}

// Service is a calendar that can answer free/busy questions.
type Service interface {
	CheckAvailability(ctx context.Context, date, slot string, durationMinutes int) (bool, error)
	GetBusyPeriods(ctx context.Context, startISO, endISO string) ([]Period, error)
}

// ParseDate parses YYYY-MM-DD as midnight in loc.
func ParseDate(date string, loc *time.Location) (time.Time, error) {
	if !datePattern.MatchString(date) {
		return time.Time{}, fmt.Errorf("%w: %q", shared.ErrInvalidDate, date)
	}
	t, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", shared.ErrInvalidDate, err)
	}
	return t, nil
}

// SlotTime resolves a date and an HH:MM slot to an instant in loc.
func SlotTime(date, slot string, loc *time.Location) (time.Time, error) {
	day, err := ParseDate(date, loc)
	if err != nil {
		return time.Time{}, err
	}
	hm, err := time.Parse(slotLayout, slot)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing slot %q: %w", slot, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), nil
}

// Busy is an in-memory Service over a fixed list of busy periods.
type Busy struct {
	Location *time.Location
	Periods  []Period
}

var _ Service = (*Busy)(nil)

func (b *Busy) location() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

func (b *Busy) CheckAvailability(ctx context.Context, date, slot string, durationMinutes int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	start, err := SlotTime(date, slot, b.location())
	if err != nil {
		return false, err
	}
	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	for _, p := range b.Periods {
		if p.Overlaps(start, end) {
			return false, nil
		}
	}
	return true, nil
}

func (b *Busy) GetBusyPeriods(ctx context.Context, startISO, endISO string) ([]Period, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, err := time.Parse(time.RFC3339, startISO)
	if err != nil {
		return nil, fmt.Errorf("parsing start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endISO)
	if err != nil {
		return nil, fmt.Errorf("parsing end: %w", err)
	}
	var out []Period
	for _, p := range b.Periods {
		if p.Overlaps(start, end) {
			out = append(out, p)
		}
	}
	return out, nil
}

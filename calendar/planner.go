package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/bt-bridge/voice-session/shared"
	"go.uber.org/zap"
)

// Availability is the bookable slots of one day.
type Availability struct {
	Date           string   `json:"date"`
	Timezone       string   `json:"timezone"`
	AvailableSlots []string `json:"availableSlots"`
	TotalSlots     int      `json:"totalSlots"`
	IsToday        bool     `json:"isToday"`
}

type PlannerOption func(*Planner)

func WithClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

func WithDuration(d time.Duration) PlannerOption {
	return func(p *Planner) { p.duration = d }
}

// Planner works out which standard slots of a day are still bookable.
type Planner struct {
	logger   shared.LoggerAdapter
	timezone string
	loc      *time.Location
	duration time.Duration
	now      func() time.Time
}

func NewPlanner(logger shared.LoggerAdapter, timezone string, opts ...PlannerOption) (*Planner, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone: %w", err)
	}
	p := &Planner{
		logger:   logger.With(zap.String("component", "calendar")),
		timezone: timezone,
		loc:      loc,
		duration: DefaultDuration,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Planner) Location() *time.Location {
	return p.loc
}

// Candidates returns the slots of date that can still be booked. On the
// current day nothing within SameDayBuffer of now is offered.
func (p *Planner) Candidates(date string) (slots []string, isToday bool, err error) {
	day, err := ParseDate(date, p.loc)
	if err != nil {
		return nil, false, err
	}
	now := p.now().In(p.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.loc)
	if day.Before(today) {
		return nil, false, fmt.Errorf("%w: %s", shared.ErrPastDate, date)
	}
	all := AllSlots()
	if !day.Equal(today) {
		return all, false, nil
	}
	bufferHour := now.Hour() + int(SameDayBuffer/time.Hour)
	for _, slot := range all {
		hm, err := time.Parse(slotLayout, slot)
		if err != nil {
			return nil, true, err
		}
		if hm.Hour() > bufferHour || (hm.Hour() == bufferHour && hm.Minute() > now.Minute()) {
			slots = append(slots, slot)
		}
	}
	return slots, true, nil
}

// Plan computes availability offline from a list of busy periods.
func (p *Planner) Plan(date string, busy []Period) (Availability, error) {
	slots, isToday, err := p.Candidates(date)
	if err != nil {
		return Availability{}, err
	}
	out := Availability{
		Date:           date,
		Timezone:       p.timezone,
		AvailableSlots: []string{},
		TotalSlots:     len(slots),
		IsToday:        isToday,
	}
	for _, slot := range slots {
		start, err := SlotTime(date, slot, p.loc)
		if err != nil {
			return Availability{}, err
		}
		end := start.Add(p.duration)
		free := true
		for _, b := range busy {
			if b.Overlaps(start, end) {
				free = false
				break
			}
		}
		if free {
			out.AvailableSlots = append(out.AvailableSlots, slot)
		}
	}
	return out, nil
}

// Check asks svc about each candidate slot. A slot whose check fails is
// logged and left out.
func (p *Planner) Check(ctx context.Context, svc Service, date string) (Availability, error) {
	slots, isToday, err := p.Candidates(date)
	if err != nil {
		return Availability{}, err
	}
	out := Availability{
		Date:           date,
		Timezone:       p.timezone,
		AvailableSlots: []string{},
		TotalSlots:     len(slots),
		IsToday:        isToday,
	}
	minutes := int(p.duration / time.Minute)
	for _, slot := range slots {
		ok, err := svc.CheckAvailability(ctx, date, slot, minutes)
		if err != nil {
			if ctx.Err() != nil {
				return Availability{}, ctx.Err()
			}
			p.logger.Warn("checking slot", zap.String("date", date), zap.String("slot", slot), zap.Error(err))
			continue
		}
		if ok {
			out.AvailableSlots = append(out.AvailableSlots, slot)
		}
	}
	p.logger.Info("availability checked",
		zap.String("date", date),
		zap.Int("available", len(out.AvailableSlots)),
		zap.Int("total", out.TotalSlots))
	return out, nil
}

// CheckBusy fetches the day's busy periods once and plans against them.
func (p *Planner) CheckBusy(ctx context.Context, svc Service, date string) (Availability, error) {
	day, err := ParseDate(date, p.loc)
	if err != nil {
		return Availability{}, err
	}
	busy, err := svc.GetBusyPeriods(ctx, day.Format(time.RFC3339), day.AddDate(0, 0, 1).Format(time.RFC3339))
	if err != nil {
		return Availability{}, fmt.Errorf("fetching busy periods: %w", err)
	}
	return p.Plan(date, busy)
}

package world

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DateLayout is how simulated dates are written everywhere.
const DateLayout = "2006-01-02"

// DaySchedule maps a time slot to whatever the calendar says happens in it.
type DaySchedule map[string]any

// CalendarConfig is the calendar file.
type CalendarConfig struct {
	RegularSchedule struct {
		Weekday DaySchedule `json:"weekday"`
		Weekend DaySchedule `json:"weekend"`
	} `json:"regular_schedule"`
	SpecialDays map[string]struct {
		OverrideSchedule DaySchedule `json:"override_schedule"`
	} `json:"special_days"`
}

// LoadCalendarConfig reads a calendar file.
func LoadCalendarConfig(path string) (CalendarConfig, error) {
	var cfg CalendarConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read calendar: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse calendar %s: %w", path, err)
	}
	return cfg, nil
}

// Calendar tracks the simulated date and which schedule applies to it.
type Calendar struct {
	mu   sync.RWMutex
	cfg  CalendarConfig
	date time.Time
}

// NewCalendar starts at start; the first AdvanceDay moves to the next day.
func NewCalendar(start time.Time, cfg CalendarConfig) *Calendar {
	y, m, d := start.Date()
	return &Calendar{cfg: cfg, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// AdvanceDay moves one day forward and returns the new date.
func (c *Calendar) AdvanceDay() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.date = c.date.AddDate(0, 0, 1)
	return c.date
}

// Date returns the current date.
func (c *Calendar) Date() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.date
}

// DateString formats the current date as YYYY-MM-DD.
func (c *Calendar) DateString() string {
	return c.Date().Format(DateLayout)
}

// IsWeekend reports whether the current date is a Saturday or Sunday.
func (c *Calendar) IsWeekend() bool {
	wd := c.Date().Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// ScheduleForDay returns the special-day override for today if there is
// one, else the weekend or weekday schedule.
func (c *Calendar) ScheduleForDay() DaySchedule {
	c.mu.RLock()
	special, ok := c.cfg.SpecialDays[c.date.Format(DateLayout)]
	c.mu.RUnlock()
	if ok {
		return orEmpty(special.OverrideSchedule)
	}
	if c.IsWeekend() {
		return orEmpty(c.cfg.RegularSchedule.Weekend)
	}
	return orEmpty(c.cfg.RegularSchedule.Weekday)
}

func orEmpty(s DaySchedule) DaySchedule {
	if s == nil {
		return DaySchedule{}
	}
	return s
}

// Slot returns the schedule entry for slot as an object, wrapping plain
// values as {"activity": value}.
func (s DaySchedule) Slot(slot string) map[string]any {
	v, ok := s[slot]
	if !ok {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"activity": v}
}

package world

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DayListener is told when a simulated day ends.
type DayListener interface {
	OnDayEnd(ctx context.Context, day int, date time.Time)
}

// Clock is where the simulation is: day number, date and time slot.
type Clock struct {
	mu        sync.RWMutex
	day       int
	date      time.Time
	slot      string
	listeners []DayListener
	logger    *zap.Logger
}

// NewClock creates a clock before day 1.
func NewClock(logger *zap.Logger) *Clock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clock{logger: logger}
}

// AddListener registers l for day ends.
func (c *Clock) AddListener(l DayListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// StartDay moves to day with date.
func (c *Clock) StartDay(day int, date time.Time) {
	c.mu.Lock()
	c.day, c.date, c.slot = day, date, ""
	c.mu.Unlock()
	c.logger.Info("day started", zap.Int("day", day), zap.String("date", date.Format(DateLayout)))
}

// EnterSlot records the current time slot.
func (c *Clock) EnterSlot(slot string) {
	c.mu.Lock()
	c.slot = slot
	c.mu.Unlock()
	c.logger.Debug("slot started", zap.String("slot", slot))
}

// EndDay notifies every listener in registration order.
func (c *Clock) EndDay(ctx context.Context) {
	c.mu.Lock()
	day, date := c.day, c.date
	c.slot = ""
	listeners := make([]DayListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnDayEnd(ctx, day, date)
	}
}

// Now is a snapshot of the clock.
type Now struct {
	Day  int    `json:"day"`
	Date string `json:"date,omitempty"`
	Slot string `json:"time_slot,omitempty"`
}

// Now returns where the simulation is.
func (c *Clock) Now() Now {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := Now{Day: c.day, Slot: c.slot}
	if !c.date.IsZero() {
		n.Date = c.date.Format(DateLayout)
	}
	return n
}

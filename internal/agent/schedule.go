package agent

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/nidhogg/campus-world/internal/memory"
	"github.com/nidhogg/campus-world/internal/provider"
	"go.uber.org/zap"
)

// TimeSlots are the fixed slots of a simulated day.
var TimeSlots = []string{"morning_1", "morning_2", "afternoon_1", "afternoon_2", "evening"}

// Action is what an agent does during one time slot.
type Action struct {
	Activity string `json:"activity"`
	Location string `json:"location"`
	Reason   string `json:"reason"`
}

// Schedule maps a time slot to its action.
type Schedule map[string]Action

func (s Schedule) clone() Schedule {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Validate rejects replies that do not describe any known slot.
func (s *Schedule) Validate() error {
	for _, slot := range TimeSlots {
		if _, ok := (*s)[slot]; ok {
			return nil
		}
	}
	return errors.New("schedule has none of the expected time slots")
}

const defaultReason = "默认安排"

// DefaultSchedule is used whenever the model cannot produce a schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		"morning_1":   {Activity: "自习", Location: "图书馆", Reason: defaultReason},
		"morning_2":   {Activity: "课程", Location: "教室", Reason: defaultReason},
		"afternoon_1": {Activity: "自由活动", Location: "公园", Reason: defaultReason},
		"afternoon_2": {Activity: "自由活动", Location: "咖啡厅", Reason: defaultReason},
		"evening":     {Activity: "自由活动", Location: "公园", Reason: defaultReason},
	}
}

// Place describes one map location for schedule prompts.
type Place struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Agents      []string `json:"agents"`
}

// ScheduleRequest is the grounding for CreateDailySchedule.
type ScheduleRequest struct {
	Date     string
	Places   []Place
	Global   map[string]any
	Memories []memory.Record
}

// CreateDailySchedule asks the model for today's plan and stores it as the
// current schedule. Any failure yields DefaultSchedule and is remembered.
func (a *Agent) CreateDailySchedule(ctx context.Context, req ScheduleRequest) Schedule {
	prompt := fmt.Sprintf(`%s

今天是%s。请根据以下信息制定今天的日程安排：
- 全局日程：%s
- 当前地图信息：%s
- 个人记忆：
%s

请返回一个包含以下时间段的日程安排的JSON格式：
{
    "morning_1": {"activity": "活动名称", "location": "地点", "reason": "原因"},
    "morning_2": {"activity": "活动名称", "location": "地点", "reason": "原因"},
    "afternoon_1": {"activity": "活动名称", "location": "地点", "reason": "原因"},
    "afternoon_2": {"activity": "活动名称", "location": "地点", "reason": "原因"},
    "evening": {"activity": "活动名称", "location": "地点", "reason": "原因"}
}`, a.header(), req.Date, toJSON(req.Global), toJSON(req.Places), memory.FormatContext(req.Memories))

	schedule := DefaultSchedule()
	res, err := a.completeJSON(ctx, "create_daily_schedule", prompt)
	if err == nil {
		var s Schedule
		if s, err = provider.Decode[Schedule](res); err == nil {
			schedule = s
		} else {
			a.logger.Warn("using default schedule", zap.Error(err))
		}
	}
	if err != nil {
		rec := memory.NewRecord(memory.TypeDefaultSchedule, fmt.Sprintf("%s没能制定日程，按默认日程安排", orDefault(req.Date, "今天")), map[string]any{
			"date":   req.Date,
			"reason": err.Error(),
		}, 0.8)
		if err := a.Remember(ctx, rec); err != nil {
			a.logger.Warn("default schedule not remembered", zap.Error(err))
		}
	}

	a.mu.Lock()
	a.schedule = schedule
	a.mu.Unlock()
	return schedule.clone()
}

// ActionFor looks up the action for slot in the current schedule.
func (a *Agent) ActionFor(slot string) Action {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if act, ok := a.schedule[slot]; ok {
		return act
	}
	loc := a.location
	if loc == "" {
		loc = "未知地点"
	}
	return Action{Activity: "自由活动", Location: loc, Reason: "未安排"}
}

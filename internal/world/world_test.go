package world

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/memory"
	"go.uber.org/zap"
)

const campusMap = `{
  "name": "测试校园",
  "locations": {
    "宿舍": {"description": "学生休息的地方"},
    "图书馆": {"description": "安静的学习场所"},
    "教室": {"description": "上课的地方"},
    "公园": {"description": "散步"},
    "咖啡厅": {"description": "喝咖啡聊天"}
  }
}`

type resident struct {
	name string
	loc  string
}

func (r *resident) Name() string          { return r.name }
func (r *resident) SetLocation(l string) { r.loc = l }

func testMap(t *testing.T) *Map {
	t.Helper()
	m, err := ParseMap(strings.NewReader(campusMap))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestParseMapKeepsFileOrder(t *testing.T) {
	m := testMap(t)
	var names []string
	for _, l := range m.Locations() {
		names = append(names, l.Name)
	}
	if got := strings.Join(names, ","); got != "宿舍,图书馆,教室,公园,咖啡厅" {
		t.Errorf("order = %s", got)
	}
	if m.Default() != "宿舍" {
		t.Errorf("default = %s", m.Default())
	}
	if _, err := ParseMap(strings.NewReader(`{"locations": {}}`)); err == nil {
		t.Error("empty map accepted")
	}
}

// occurrences counts how many locations list name.
func occurrences(m *Map, name string) int {
	n := 0
	for _, l := range m.Locations() {
		for _, a := range l.Agents {
			if a == name {
				n++
			}
		}
	}
	return n
}

func TestMoveKeepsLocationsExclusive(t *testing.T) {
	m := testMap(t)
	a, b := &resident{name: "甲"}, &resident{name: "乙"}
	for _, r := range []*resident{a, b} {
		if err := m.Place(r); err != nil {
			t.Fatal(err)
		}
	}
	if a.loc != "宿舍" {
		t.Fatalf("placed at %q", a.loc)
	}

	for _, loc := range []string{"图书馆", "教室", "教室", "宿舍", "咖啡厅"} {
		if err := m.Move("甲", loc); err != nil {
			t.Fatalf("move to %s: %v", loc, err)
		}
		if occurrences(m, "甲") != 1 || a.loc != loc {
			t.Fatalf("after move to %s: %v, field %q", loc, m.Locations(), a.loc)
		}
	}

	before := m.Locations()
	err := m.Move("甲", "火星")
	if !errors.Is(err, ErrUnknownLocation) {
		t.Errorf("err = %v", err)
	}
	if a.loc != "咖啡厅" || occurrences(m, "甲") != 1 {
		t.Error("failed move changed the map")
	}
	for i, l := range m.Locations() {
		if strings.Join(l.Agents, ",") != strings.Join(before[i].Agents, ",") {
			t.Errorf("%s changed: %v -> %v", l.Name, before[i].Agents, l.Agents)
		}
	}
	if err := m.Move("丙", "教室"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("unplaced agent: %v", err)
	}
}

func TestCalendarSchedules(t *testing.T) {
	cfg := CalendarConfig{}
	cfg.RegularSchedule.Weekday = DaySchedule{"morning_1": map[string]any{"activity": "上课"}}
	cfg.RegularSchedule.Weekend = DaySchedule{"morning_1": "休息"}
	cfg.SpecialDays = map[string]struct {
		OverrideSchedule DaySchedule `json:"override_schedule"`
	}{"2025-03-12": {OverrideSchedule: DaySchedule{"morning_1": "运动会"}}}

	// 2025-03-07 is a Friday.
	cal := NewCalendar(time.Date(2025, 3, 7, 15, 0, 0, 0, time.Local), cfg)

	tests := []struct {
		date    string
		weekend bool
		want    any
	}{
		{"2025-03-08", true, "休息"},
		{"2025-03-09", true, "休息"},
		{"2025-03-10", false, "上课"},
		{"2025-03-11", false, "上课"},
		{"2025-03-12", false, "运动会"},
	}
	for _, tt := range tests {
		cal.AdvanceDay()
		if cal.DateString() != tt.date {
			t.Fatalf("date = %s, want %s", cal.DateString(), tt.date)
		}
		if cal.IsWeekend() != tt.weekend {
			t.Errorf("%s weekend = %v", tt.date, cal.IsWeekend())
		}
		if got := cal.ScheduleForDay().Slot("morning_1")["activity"]; got != tt.want {
			t.Errorf("%s morning_1 = %v, want %v", tt.date, got, tt.want)
		}
	}
	if got := cal.ScheduleForDay().Slot("evening"); len(got) != 0 {
		t.Errorf("missing slot = %v", got)
	}
}

func TestGrowthTracker(t *testing.T) {
	g := NewGrowthTracker(zap.NewNop())
	for range 10 {
		g.OnDialogue(context.Background(), &dialogue.Transcript{Topic: "学习交流", Participants: []string{"甲", "乙"}})
	}
	p := g.Profile("甲")
	if p.Level != 2 || p.Experience != 0 || p.Dialogues != 10 {
		t.Errorf("profile = %+v", p)
	}
	if s := p.SkillScores["学习交流"]; s < 0.49 || s > 0.51 {
		t.Errorf("skill = %v", s)
	}

	g.OnScore(context.Background(), ExamScore{Student: "甲", Phase: PhasePre, Score: 40})
	g.OnScore(context.Background(), ExamScore{Student: "甲", Phase: PhasePost, Score: 70,
		Grade: agent.Grade{GradingResults: []agent.GradeResult{{Topic: "光合作用", Score: 8}}}})
	p = g.Profile("甲")
	if p.ExamScores[PhasePre] != 40 || p.ExamScores[PhasePost] != 70 {
		t.Errorf("exam scores = %v", p.ExamScores)
	}
	if p.SkillScores["光合作用"] != 0.8 {
		t.Errorf("topic skill = %v", p.SkillScores["光合作用"])
	}
	last := p.Milestones[len(p.Milestones)-1]
	if last.Title != "成绩进步" {
		t.Errorf("milestones = %+v", p.Milestones)
	}
	if len(g.Profiles()) != 2 {
		t.Errorf("profiles = %d", len(g.Profiles()))
	}
}

func TestRelationTypeOf(t *testing.T) {
	tests := []struct {
		from, to bool
		want     RelationType
	}{
		{true, true, RelationColleague},
		{true, false, RelationMentor},
		{false, true, RelationMentee},
		{false, false, RelationClassmate},
	}
	for _, tt := range tests {
		if got := RelationTypeOf(tt.from, tt.to); got != tt.want {
			t.Errorf("RelationTypeOf(%v, %v) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}

type downLLM struct{}

func (downLLM) Complete(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

type scoreLog struct{ got []ExamScore }

func (l *scoreLog) OnScore(_ context.Context, s ExamScore) error {
	l.got = append(l.got, s)
	return nil
}

type dayLog struct{ days []int }

func (l *dayLog) OnDayEnd(_ context.Context, day int, _ time.Time) { l.days = append(l.days, day) }

func TestGroupsKeepRegistrationOrder(t *testing.T) {
	sim := NewSimulator(agent.NewRegistry(), testMap(t), NewCalendar(time.Now(), CalendarConfig{}), nil, zap.NewNop(), Options{})
	for _, name := range []string{"甲", "乙", "丙"} {
		if err := sim.Register(agent.NewStudent(agent.Persona{Name: name}, agent.Deps{}).Agent); err != nil {
			t.Fatal(err)
		}
	}
	// 甲 leaves and comes back, so it arrives last.
	if err := sim.Map().Move("甲", "教室"); err != nil {
		t.Fatal(err)
	}
	if err := sim.Map().Move("甲", "宿舍"); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(sim.Map().AgentsAt("宿舍"), ""); got != "乙丙甲" {
		t.Fatalf("arrival order = %s", got)
	}

	groups := sim.groups()
	if len(groups) != 1 || groups[0].Location != "宿舍" {
		t.Fatalf("groups = %+v", groups)
	}
	var order []string
	for _, a := range groups[0].Agents {
		order = append(order, a.Name())
	}
	if got := strings.Join(order, ""); got != "甲乙丙" {
		t.Errorf("group order = %s, want 甲乙丙", got)
	}
}

func TestSimulatorRunsWithLLMDown(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(3, 5))
	kb := knowledge.New(nil, zap.NewNop())
	if err := kb.Load(ctx, strings.NewReader(`{"topic": "光合作用", "content": "植物利用光能合成有机物。"}
{"topic": "牛顿定律", "content": "力是改变物体运动状态的原因。"}
`), "test"); err != nil {
		t.Fatal(err)
	}
	deps := agent.Deps{LLM: downLLM{}, Rand: rng, Logger: zap.NewNop()}

	reg := agent.NewRegistry()
	orch := dialogue.New(reg, rng, nil, zap.NewNop(), dialogue.Options{})
	sim := NewSimulator(reg, testMap(t), NewCalendar(time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), CalendarConfig{}), orch, zap.NewNop(), Options{
		TotalDays:         2,
		RunExam:           true,
		ExamQuestionCount: 3,
	})
	scores := &scoreLog{}
	sim.AddScoreObserver(scores)
	days := &dayLog{}
	sim.Clock().AddListener(days)

	teacher := agent.NewExpert(agent.Persona{Name: "李老师", IsExpert: true}, deps, kb)
	if err := sim.Register(teacher.Agent); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"小明", "小红"} {
		if err := sim.Register(agent.NewStudent(agent.Persona{Name: name}, deps).Agent); err != nil {
			t.Fatal(err)
		}
	}

	reports, err := sim.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(reports) != 2 {
		t.Fatalf("reports = %+v", reports)
	}
	for _, r := range reports {
		if r.Pre != 50 || r.Post != 50 || r.Improvement != 0 {
			t.Errorf("report = %+v", r)
		}
	}
	if len(scores.got) != 4 || scores.got[0].Key() != "小明_pre" {
		t.Errorf("scores = %+v", scores.got)
	}
	if _, ok := sim.Scores()["小红_post"]; !ok {
		t.Error("missing 小红_post")
	}
	if len(days.days) != 2 || days.days[0] != 1 || days.days[1] != 2 {
		t.Errorf("day ends = %v", days.days)
	}
	if now := sim.Clock().Now(); now.Date != "2025-03-11" || now.Day != 2 {
		t.Errorf("clock = %+v", now)
	}

	for _, a := range reg.All() {
		if occurrences(sim.Map(), a.Name()) != 1 {
			t.Errorf("%s is in %d places", a.Name(), occurrences(sim.Map(), a.Name()))
		}
		// Default evening slot is the park.
		if a.Location() != "公园" {
			t.Errorf("%s ended at %s", a.Name(), a.Location())
		}
		acts := a.Memory().Recent(0, memory.TypeDailyActivity)
		if len(acts) != 2*len(agent.TimeSlots) {
			t.Errorf("%s has %d activity memories", a.Name(), len(acts))
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"github.com/nidhogg/campus-world/internal/events"
	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/memory"
	"github.com/nidhogg/campus-world/internal/world"
)

type silentLLM struct{}

func (silentLLM) Complete(context.Context, string) (string, error) {
	return "", errors.New("offline")
}

type fakeEvents struct{ kinds []string }

func (f *fakeEvents) Recent(_ context.Context, kind string, n int64) ([]*events.Event, error) {
	f.kinds = append(f.kinds, kind)
	return []*events.Event{{ID: "1-0", Kind: kind, Payload: json.RawMessage(`{}`)}}, nil
}

func (f *fakeEvents) Subscribe(_ context.Context, kind string) <-chan *events.Event {
	ch := make(chan *events.Event, 2)
	ch <- &events.Event{ID: "2-0", Kind: kind, Payload: json.RawMessage(`{"topic":"光合作用"}`)}
	ch <- &events.Event{ID: "3-0", Kind: kind, Payload: json.RawMessage(`{}`)}
	close(ch)
	return ch
}

type testEnv struct {
	server  *httptest.Server
	sim     *world.Simulator
	log     *dialogue.Log
	growth  *world.GrowthTracker
	events  *fakeEvents
	student *agent.Student
}

// newTestEnv wires a handler over an in-memory simulation (no Postgres/Neo4j/Redis).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()

	kb := knowledge.New(nil, logger)
	if err := kb.Load(ctx, strings.NewReader(`{"topic": "光合作用", "content": "植物利用光能合成有机物"}`), "test"); err != nil {
		t.Fatal(err)
	}
	wmap, err := world.ParseMap(strings.NewReader(`{"locations": {"图书馆": {"description": "安静"}, "教室": {"description": "上课"}}}`))
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	reg := agent.NewRegistry()
	orch := dialogue.New(reg, rng, nil, logger, dialogue.Options{})
	sim := world.NewSimulator(reg, wmap, world.NewCalendar(time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), world.CalendarConfig{}), orch, logger, world.Options{TotalDays: 1})

	deps := agent.Deps{LLM: silentLLM{}, Rand: rng, Logger: logger}
	teacher := agent.NewExpert(agent.Persona{Name: "王老师", IsExpert: true, Persona: "耐心"}, deps, kb)
	student := agent.NewStudent(agent.Persona{Name: "小明", Persona: "好奇"}, deps)
	for _, a := range []*agent.Agent{teacher.Agent, student.Agent} {
		if err := sim.Register(a); err != nil {
			t.Fatal(err)
		}
	}

	env := &testEnv{sim: sim, log: dialogue.NewLog(10), growth: world.NewGrowthTracker(logger), events: &fakeEvents{}, student: student}
	h := NewHandler(Deps{
		Sim:         sim,
		Knowledge:   kb,
		Transcripts: env.log,
		Events:      env.events,
		Growth:      env.growth,
	}, logger)
	env.server = httptest.NewServer(h.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) get(t *testing.T, path string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", path, resp.StatusCode, wantStatus)
	}
	if v == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	env.get(t, "/api/health", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestListAndGetAgents(t *testing.T) {
	env := newTestEnv(t)

	var infos []agent.Info
	env.get(t, "/api/agents", http.StatusOK, &infos)
	if len(infos) != 2 || infos[0].Name != "王老师" || infos[0].Role != agent.RoleExpert {
		t.Fatalf("agents = %+v", infos)
	}
	if infos[1].Location != "图书馆" {
		t.Errorf("student location = %q, want the first map location", infos[1].Location)
	}

	env.student.GenerateTurn(context.Background(), "光合作用", nil, []string{"小明", "王老师"})
	var one agent.Info
	env.get(t, "/api/agents/小明", http.StatusOK, &one)
	if one.Role != agent.RoleStudent || one.Curriculum != nil {
		t.Errorf("student info = %+v", one)
	}
	if len(one.RecentTurns) != 1 || one.RecentTurns[0].Topic != "光合作用" {
		t.Errorf("recent turns = %+v", one.RecentTurns)
	}

	var teacher agent.Info
	env.get(t, "/api/agents/王老师", http.StatusOK, &teacher)
	if teacher.Curriculum == nil || strings.Join(teacher.Curriculum.Topics, ",") != "光合作用" {
		t.Errorf("curriculum = %+v", teacher.Curriculum)
	}
	env.get(t, "/api/agents/nobody", http.StatusNotFound, nil)
}

func TestAgentMemories(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, c := range []string{"学习了光合作用", "在公园散步"} {
		if err := env.student.Remember(ctx, memory.NewRecord(memory.TypeStudying, c, nil, 1)); err != nil {
			t.Fatal(err)
		}
	}

	var recent []memory.Record
	env.get(t, "/api/agents/小明/memories?limit=1", http.StatusOK, &recent)
	if len(recent) != 1 {
		t.Fatalf("recent = %+v", recent)
	}

	var found []memory.Record
	env.get(t, "/api/agents/小明/memories?q=光合作用", http.StatusOK, &found)
	if len(found) == 0 || !strings.Contains(found[0].Content, "光合作用") {
		t.Fatalf("search = %+v", found)
	}
}

func TestScoresWithoutDatabase(t *testing.T) {
	env := newTestEnv(t)
	var body struct {
		Scores  []world.ExamScore `json:"scores"`
		Reports []world.Report    `json:"reports"`
	}
	env.get(t, "/api/scores", http.StatusOK, &body)
	if body.Scores == nil || body.Reports == nil || len(body.Scores) != 0 {
		t.Fatalf("body = %+v", body)
	}
}

func TestTranscriptsFilterByAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_ = env.log.OnDialogue(ctx, &dialogue.Transcript{ID: "a", Participants: []string{"王老师", "小明"}})
	_ = env.log.OnDialogue(ctx, &dialogue.Transcript{ID: "b", Participants: []string{"小红", "小刚"}})

	var ts []dialogue.Transcript
	env.get(t, "/api/transcripts?agent=小明", http.StatusOK, &ts)
	if len(ts) != 1 || ts[0].ID != "a" {
		t.Fatalf("transcripts = %+v", ts)
	}
	env.get(t, "/api/transcripts", http.StatusOK, &ts)
	if len(ts) != 2 {
		t.Fatalf("transcripts = %+v", ts)
	}
}

func TestGrowthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.growth.AddExperience("小明", 150)

	var p world.GrowthProfile
	env.get(t, "/api/agents/小明/growth", http.StatusOK, &p)
	if p.Level != 2 {
		t.Errorf("level = %d, want 2", p.Level)
	}
	var all []world.GrowthProfile
	env.get(t, "/api/growth", http.StatusOK, &all)
	if len(all) != 1 {
		t.Errorf("profiles = %+v", all)
	}
}

func TestOptionalBackends(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/api/agents/小明/relations", http.StatusServiceUnavailable, nil)

	var anns []json.RawMessage
	env.get(t, "/api/announcements", http.StatusOK, &anns)
	if len(anns) != 0 {
		t.Errorf("announcements = %v", anns)
	}
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	var evs []events.Event
	env.get(t, "/api/events/dialogue?limit=5", http.StatusOK, &evs)
	if len(evs) != 1 || env.events.kinds[0] != events.KindDialogue {
		t.Fatalf("events = %+v", evs)
	}
	env.get(t, "/api/events/bogus", http.StatusBadRequest, nil)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/api/events/exam/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("frames = %q", frames)
	}
	if !strings.HasPrefix(frames[0], "id: 2-0\nevent: exam\ndata: {") || !strings.Contains(frames[0], `"topic":"光合作用"`) {
		t.Errorf("first frame = %q", frames[0])
	}

	env.get(t, "/api/events/bogus/stream", http.StatusBadRequest, nil)
}

func TestKnowledgeEndpoints(t *testing.T) {
	env := newTestEnv(t)
	var topics []string
	env.get(t, "/api/knowledge/topics", http.StatusOK, &topics)
	if len(topics) != 1 || topics[0] != "光合作用" {
		t.Fatalf("topics = %v", topics)
	}
	var items []knowledge.Item
	env.get(t, "/api/knowledge/search?topic=光合作用", http.StatusOK, &items)
	if len(items) != 1 {
		t.Fatalf("items = %+v", items)
	}
}

func TestWorldAndMap(t *testing.T) {
	env := newTestEnv(t)
	var status struct {
		Agents int `json:"agents"`
	}
	env.get(t, "/api/world", http.StatusOK, &status)
	if status.Agents != 2 {
		t.Errorf("agents = %d", status.Agents)
	}
	var locs []world.Location
	env.get(t, "/api/map", http.StatusOK, &locs)
	if len(locs) != 2 || len(locs[0].Agents) != 2 {
		t.Errorf("map = %+v", locs)
	}
}

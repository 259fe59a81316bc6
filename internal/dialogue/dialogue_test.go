package dialogue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/memory"
	"go.uber.org/zap"
)

// routedLLM answers by prompt kind and records every prompt.
type routedLLM struct {
	mu      sync.Mutex
	prompts []string
	route   func(prompt string) (string, error)
}

func (l *routedLLM) Complete(_ context.Context, prompt string) (string, error) {
	l.mu.Lock()
	l.prompts = append(l.prompts, prompt)
	l.mu.Unlock()
	return l.route(prompt)
}

func (l *routedLLM) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.prompts {
		if strings.Contains(p, substr) {
			n++
		}
	}
	return n
}

const (
	joinPrompt     = "判断你是否应该参与这个对话"
	continuePrompt = "判断你是否应该继续这个对话"
	turnPrompt     = "请生成你的一句话回应"
)

const (
	yes = `{"should_join": true, "reason": "感兴趣", "confidence": 0.9}`
	no  = `{"should_join": false, "reason": "没空", "confidence": 0.9}`
)

func speaker(prompt string) string {
	rest, ok := strings.CutPrefix(prompt, "你是")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "，")
	return name
}

// chatty joins, continues and talks without ever closing.
func chatty(prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, joinPrompt), strings.Contains(prompt, continuePrompt):
		return yes, nil
	case strings.Contains(prompt, turnPrompt):
		return "我们再聊聊学习方法吧", nil
	}
	return "一次有收获的交流", nil
}

func students(t *testing.T, llm *routedLLM, reg *agent.Registry, names ...string) []*agent.Agent {
	t.Helper()
	var out []*agent.Agent
	for _, n := range names {
		s := agent.NewStudent(agent.Persona{Name: n, Persona: "学生"}, agent.Deps{LLM: llm, Logger: zap.NewNop()})
		if reg != nil {
			if err := reg.Register(s.Agent); err != nil {
				t.Fatal(err)
			}
		}
		out = append(out, s.Agent)
	}
	return out
}

func newOrchestrator(reg *agent.Registry, sink Sink, opts Options) *Orchestrator {
	return New(reg, rand.New(rand.NewPCG(7, 11)), sink, zap.NewNop(), opts)
}

func TestInteractionProbability(t *testing.T) {
	reg := agent.NewRegistry()
	llm := &routedLLM{route: chatty}
	ss := students(t, llm, reg, "甲", "乙")
	teacher := agent.NewExpert(agent.Persona{Name: "老师", IsExpert: true}, agent.Deps{}, nil).Agent

	tests := []struct {
		name     string
		location string
		agents   []*agent.Agent
		want     float64
	}{
		{"plain pair", "宿舍", []*agent.Agent{ss[0], teacher}, 0.7},
		{"social pair", "图书馆", []*agent.Agent{ss[0], ss[1]}, 1.1},
		{"social mixed", "咖啡厅", []*agent.Agent{teacher, ss[0], ss[1]}, 1.3},
		{"plain students", "操场", []*agent.Agent{ss[0], ss[1]}, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InteractionProbability(tt.location, tt.agents)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailedDialogueRecording(t *testing.T) {
	llm := &routedLLM{route: func(p string) (string, error) {
		if strings.Contains(p, joinPrompt) {
			if speaker(p) == "甲" {
				return yes, nil
			}
			return no, nil
		}
		return "", errors.New("unexpected call")
	}}
	reg := agent.NewRegistry()
	group := students(t, llm, reg, "甲", "乙", "丙")
	dir := t.TempDir()

	o := newOrchestrator(reg, NewFileSink(dir), Options{})
	if err := o.HandleSlot(context.Background(), Slot{Date: "2025-03-10", TimeSlot: "morning_1"}, []Group{{Location: "教室", Agents: group}}); err != nil {
		t.Fatal(err)
	}

	for _, a := range group {
		recs := a.Memory().All()
		if len(recs) != 1 {
			t.Fatalf("%s has %d memories, want 1", a.Name(), len(recs))
		}
		r := recs[0]
		if r.Type != memory.TypeFailedDialogue || r.Weight != 0.8 {
			t.Errorf("%s: got %s/%v", a.Name(), r.Type, r.Weight)
		}
		if !strings.Contains(r.Content, "只有1/3人参与") {
			t.Errorf("content = %q", r.Content)
		}
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("transcript written for a failed dialogue: %v", entries)
	}
	if n := llm.count(turnPrompt); n != 0 {
		t.Errorf("%d turns generated", n)
	}
}

func TestConverseShrinksMonotonically(t *testing.T) {
	var mu sync.Mutex
	asked := map[string]int{}
	llm := &routedLLM{route: func(p string) (string, error) {
		if strings.Contains(p, continuePrompt) {
			mu.Lock()
			defer mu.Unlock()
			who := speaker(p)
			asked[who]++
			if who == "丙" && asked[who] == 2 {
				return no, nil
			}
			return yes, nil
		}
		return chatty(p)
	}}
	group := students(t, llm, nil, "甲", "乙", "丙")
	o := newOrchestrator(agent.NewRegistry(), nil, Options{MaxRounds: 4})

	conv := o.Converse(context.Background(), "学习交流", group)

	if len(conv.Rounds) != 4 {
		t.Fatalf("rounds = %d, want 4", len(conv.Rounds))
	}
	for i := 1; i < len(conv.Rounds); i++ {
		if len(conv.Rounds[i]) > len(conv.Rounds[i-1]) {
			t.Errorf("round %d grew: %v -> %v", i, conv.Rounds[i-1], conv.Rounds[i])
		}
		for _, n := range conv.Rounds[i] {
			if n == "丙" {
				t.Errorf("丙 came back in round %d", i)
			}
		}
	}
	if asked["丙"] != 2 {
		t.Errorf("丙 asked %d times after leaving", asked["丙"])
	}
	// Round one: 乙 丙 甲, then 乙 甲 for three rounds.
	want := []string{"乙", "丙", "甲", "乙", "甲", "乙", "甲", "乙", "甲"}
	if got := speakers(conv.History); strings.Join(got, "") != strings.Join(want, "") {
		t.Errorf("speakers = %v, want %v", got, want)
	}
}

func speakers(turns []memory.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Speaker)
	}
	return out
}

func TestConverseEndsWhenFewerThanTwoRemain(t *testing.T) {
	llm := &routedLLM{route: func(p string) (string, error) {
		if strings.Contains(p, continuePrompt) && speaker(p) == "乙" {
			return no, nil
		}
		return chatty(p)
	}}
	group := students(t, llm, nil, "甲", "乙")
	conv := newOrchestrator(agent.NewRegistry(), nil, Options{MaxRounds: 5}).Converse(context.Background(), "日常聊天", group)
	if len(conv.History) != 0 || len(conv.Rounds) != 0 {
		t.Errorf("history %d rounds %d, want an empty dialogue", len(conv.History), len(conv.Rounds))
	}
}

func TestConverseStopsAtTurnCap(t *testing.T) {
	llm := &routedLLM{route: chatty}
	group := students(t, llm, nil, "甲", "乙", "丙", "丁")
	conv := newOrchestrator(agent.NewRegistry(), nil, Options{MaxRounds: 100}).Converse(context.Background(), "学术讨论", group)
	if len(conv.History) != MaxTurns {
		t.Errorf("history has %d turns, want %d", len(conv.History), MaxTurns)
	}
}

func TestConverseStopsOnClosingKeyword(t *testing.T) {
	var mu sync.Mutex
	turns := 0
	llm := &routedLLM{route: func(p string) (string, error) {
		if strings.Contains(p, turnPrompt) {
			mu.Lock()
			defer mu.Unlock()
			turns++
			if turns == 3 {
				return "好的，那今天就讨论到这里，结束吧", nil
			}
			return "继续说说你的想法", nil
		}
		return chatty(p)
	}}
	group := students(t, llm, nil, "甲", "乙", "丙")
	conv := newOrchestrator(agent.NewRegistry(), nil, Options{MaxRounds: 10}).Converse(context.Background(), "兴趣分享", group)
	if len(conv.History) != 3 {
		t.Errorf("history has %d turns, want 3", len(conv.History))
	}
}

func TestPersonaRoundsOverrideConfig(t *testing.T) {
	llm := &routedLLM{route: chatty}
	a := agent.NewStudent(agent.Persona{Name: "甲", MaxDialogueRounds: 1}, agent.Deps{LLM: llm}).Agent
	b := agent.NewStudent(agent.Persona{Name: "乙"}, agent.Deps{LLM: llm}).Agent
	conv := newOrchestrator(agent.NewRegistry(), nil, Options{MaxRounds: 8}).Converse(context.Background(), "日常聊天", []*agent.Agent{a, b})
	if got := speakers(conv.History); len(conv.Rounds) != 1 || strings.Join(got, "") != "乙甲" {
		t.Errorf("rounds %d speakers %v, want 1 round of 乙 甲", len(conv.Rounds), got)
	}
}

func TestFinished(t *testing.T) {
	turn := func(msg string) memory.Turn { return memory.Turn{Speaker: "x", Message: msg} }
	tests := []struct {
		name    string
		history []memory.Turn
		want    bool
	}{
		{"empty", nil, false},
		{"open", []memory.Turn{turn("你好"), turn("在吗")}, false},
		{"closing in window", []memory.Turn{turn("a"), turn("我同意"), turn("b"), turn("c")}, true},
		{"closing out of window", []memory.Turn{turn("明白了"), turn("a"), turn("b"), turn("c")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Finished(tt.history); got != tt.want {
				t.Errorf("Finished = %v, want %v", got, tt.want)
			}
		})
	}
	long := make([]memory.Turn, MaxTurns)
	if !Finished(long) {
		t.Error("turn cap not enforced")
	}
}

const testKB = `{"topic": "光合作用", "content": "植物利用光能合成有机物。"}
`

func TestStructuredRunnerUsesTemplateAndFallback(t *testing.T) {
	llm := &routedLLM{route: func(string) (string, error) { return "", errors.New("timeout") }}
	kb := knowledge.New(nil, zap.NewNop())
	if err := kb.Load(context.Background(), strings.NewReader(testKB), "test"); err != nil {
		t.Fatal(err)
	}
	teacher := agent.NewExpert(agent.Persona{Name: "老师", Persona: "生物老师", IsExpert: true}, agent.Deps{LLM: llm}, kb).Agent
	student := agent.NewStudent(agent.Persona{Name: "甲", Persona: "学生", DailyGoal: "弄懂光合作用"}, agent.Deps{LLM: llm}).Agent

	if err := student.Memory().Add(context.Background(), memory.NewRecord(memory.TypeStudying, "复习了光合作用的笔记", nil, 1)); err != nil {
		t.Fatal(err)
	}

	conv := NewStructuredRunner(nil).Run(context.Background(), "光合作用", []*agent.Agent{teacher, student}, teacher, 3)

	if got := speakers(conv.History); strings.Join(got, ",") != "老师,甲,甲" {
		t.Errorf("speakers = %v", got)
	}
	for _, turn := range conv.History {
		if turn.Message != "关于光合作用，我认为我们需要进一步讨论。" {
			t.Errorf("message = %q", turn.Message)
		}
	}
	if n := llm.count("围绕【光合作用】"); n != 3 {
		t.Errorf("%d templated prompts, want 3", n)
	}
	if llm.count("今日目标：弄懂光合作用") != 2 || llm.count("今日目标：无特定目标") != 1 {
		t.Error("daily goal not interpolated")
	}
	if llm.count("【content】植物利用光能合成有机物。") != 3 {
		t.Error("knowledge snippet missing")
	}
	if llm.count("先前记忆：- 复习了光合作用的笔记") != 2 || llm.count("先前记忆：无") != 1 {
		t.Error("topic memories not summarized")
	}
}

func TestHandleSlotPersistsDialogue(t *testing.T) {
	llm := &routedLLM{route: chatty}
	reg := agent.NewRegistry()
	group := students(t, llm, reg, "甲", "乙")
	dir := t.TempDir()

	o := newOrchestrator(reg, NewFileSink(dir), Options{MaxRounds: 2})
	o.now = func() time.Time { return time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC) }
	var seen []*Transcript
	o.AddObserver(ObserverFunc(func(_ context.Context, t *Transcript) error {
		seen = append(seen, t)
		return nil
	}))

	slot := Slot{Date: "2025-03-10", TimeSlot: "morning_1"}
	if err := o.HandleSlot(context.Background(), slot, []Group{{Location: "中央 图书馆", Agents: group}}); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 {
		t.Fatalf("observer saw %d transcripts", len(seen))
	}
	tr := seen[0]
	wantFile := filepath.Join(dir, "dialogue_log_中央_图书馆_20250310_093000.json")
	if tr.LogFile != wantFile {
		t.Errorf("log file = %q, want %q", tr.LogFile, wantFile)
	}
	if _, err := os.Stat(wantFile); err != nil {
		t.Fatal(err)
	}
	if tr.TimeSlot != "morning_1" || tr.Date != "2025-03-10" || len(tr.Participants) != 2 {
		t.Errorf("unexpected transcript %+v", tr)
	}
	if len(tr.DialogueHistory) != 4 {
		t.Errorf("history = %d turns, want 4", len(tr.DialogueHistory))
	}
	if got := strings.Join(tr.Speakers(), ""); got != "乙甲" {
		t.Errorf("speakers = %s, want 乙甲", got)
	}
	for _, a := range group {
		recs := a.Memory().Recent(0, memory.TypeDialogue)
		if len(recs) != 1 {
			t.Fatalf("%s has %d dialogue memories", a.Name(), len(recs))
		}
		if recs[0].Weight != 1.2 || recs[0].Details["dialogue_log_file"] != wantFile {
			t.Errorf("%s memory = %+v", a.Name(), recs[0])
		}
	}
}

func TestSilentDialogueLeavesNoTrace(t *testing.T) {
	llm := &routedLLM{route: func(p string) (string, error) {
		switch {
		case strings.Contains(p, joinPrompt):
			return yes, nil
		case strings.Contains(p, continuePrompt):
			return "嗯……再说吧", nil
		}
		return chatty(p)
	}}
	reg := agent.NewRegistry()
	group := students(t, llm, reg, "甲", "乙")
	dir := t.TempDir()

	o := newOrchestrator(reg, NewFileSink(dir), Options{MaxRounds: 3})
	seen := 0
	o.AddObserver(ObserverFunc(func(context.Context, *Transcript) error {
		seen++
		return nil
	}))

	tr, err := o.Run(context.Background(), Slot{}, "图书馆", "学习交流", group)
	if err != nil {
		t.Fatal(err)
	}
	if tr != nil || seen != 0 {
		t.Errorf("transcript %v, observer calls %d", tr, seen)
	}
	if n := llm.count(turnPrompt); n != 0 {
		t.Errorf("%d turns generated", n)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("files written: %v", entries)
	}
	for _, a := range group {
		if n := a.Memory().Len(); n != 0 {
			t.Errorf("%s has %d memories", a.Name(), n)
		}
	}
}

func TestFileSinkKeepsSameSecondDialogues(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	at := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	var paths []string
	for _, topic := range []string{"学习交流", "兴趣分享", "学术讨论"} {
		path, err := sink.Save(context.Background(), &Transcript{Location: "公园", Topic: topic, CreatedAt: at})
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, filepath.Base(path))
	}
	want := []string{
		"dialogue_log_公园_20250310_093000.json",
		"dialogue_log_公园_20250310_093000_2.json",
		"dialogue_log_公园_20250310_093000_3.json",
	}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v, want %v", paths, want)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 3 {
		t.Errorf("%d files on disk", len(entries))
	}
}

func TestSpontaneousTeaching(t *testing.T) {
	llm := &routedLLM{route: func(string) (string, error) { return "今天我们讲讲复习方法", nil }}
	reg := agent.NewRegistry()
	teacher := agent.NewExpert(agent.Persona{Name: "老师", IsExpert: true}, agent.Deps{LLM: llm}, nil)
	reg.Register(teacher.Agent)
	group := append([]*agent.Agent{teacher.Agent}, students(t, llm, reg, "甲")...)

	o := newOrchestrator(reg, nil, Options{})
	if err := o.spontaneousTeaching(context.Background(), Group{Location: "走廊", Agents: group}); err != nil {
		t.Fatal(err)
	}
	if n := len(teacher.Memory().Recent(0, memory.TypeTeaching)); n != 1 {
		t.Errorf("teacher has %d teaching memories", n)
	}
	s := group[1].Memory()
	if len(s.Recent(0, memory.TypeLearnedFromTeacher)) != 1 || len(s.Recent(0, memory.TypeDialogue)) != 1 {
		t.Errorf("student memories: %+v", s.All())
	}
}

func TestSolitaryStudentAsksForHelp(t *testing.T) {
	llm := &routedLLM{route: func(string) (string, error) { return "老师，这道题怎么做？", nil }}
	reg := agent.NewRegistry()
	teacher := agent.NewExpert(agent.Persona{Name: "老师", IsExpert: true}, agent.Deps{LLM: llm}, nil)
	reg.Register(teacher.Agent)
	alone := students(t, llm, reg, "甲")[0]

	o := newOrchestrator(reg, nil, Options{SoloActivityProbability: -1, HelpProbability: 1})
	if err := o.HandleSlot(context.Background(), Slot{}, []Group{{Location: "宿舍", Agents: []*agent.Agent{alone}}}); err != nil {
		t.Fatal(err)
	}
	if n := len(alone.Memory().Recent(0, memory.TypeStudentActivity)); n != 0 {
		t.Errorf("student activities = %d", n)
	}
	help := alone.Memory().Recent(0, memory.TypeHelpRequest)
	if len(help) != 1 || help[0].Details["topic"] != "学习交流" {
		t.Errorf("help requests = %+v", help)
	}
	if n := len(teacher.Memory().Recent(0, memory.TypeQuestionAnswer)); n != 1 {
		t.Errorf("teacher answers = %d", n)
	}
}

func TestSolitaryActivity(t *testing.T) {
	reg := agent.NewRegistry()
	teacher := agent.NewExpert(agent.Persona{Name: "老师", IsExpert: true}, agent.Deps{}, nil).Agent
	o := newOrchestrator(reg, nil, Options{SoloActivityProbability: 1, HelpProbability: -1})
	if err := o.HandleSlot(context.Background(), Slot{}, []Group{{Location: "办公室", Agents: []*agent.Agent{teacher}}}); err != nil {
		t.Fatal(err)
	}
	recs := teacher.Memory().All()
	if len(recs) != 1 || recs[0].Type != memory.TypeExpertActivity || recs[0].Weight != 1.0 {
		t.Fatalf("memories = %+v", recs)
	}
	if !strings.HasPrefix(recs[0].Content, "在办公室进行了") {
		t.Errorf("content = %q", recs[0].Content)
	}
}

func TestHelpTopic(t *testing.T) {
	recs := []memory.Record{{Content: "准备考试"}, {Content: "学习了新知识"}}
	if got := helpTopic(recs); got != "考试准备" {
		t.Errorf("got %q", got)
	}
	if got := helpTopic(nil); got != "学习交流" {
		t.Errorf("got %q", got)
	}
}

func TestLogKeepsNewestTranscripts(t *testing.T) {
	l := NewLog(2)
	ctx := context.Background()
	for i, who := range [][]string{{"甲", "乙"}, {"乙", "丙"}, {"甲", "丙"}} {
		_ = l.OnDialogue(ctx, &Transcript{ID: fmt.Sprint(i), Participants: who})
	}

	all, _ := l.Transcripts(ctx, "", 0)
	if len(all) != 2 || all[0].ID != "2" || all[1].ID != "1" {
		t.Fatalf("all = %v", ids(all))
	}
	mine, _ := l.Transcripts(ctx, "甲", 10)
	if len(mine) != 1 || mine[0].ID != "2" {
		t.Fatalf("甲 = %v", ids(mine))
	}
}

func ids(ts []*Transcript) []string {
	var out []string
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

// Package agent implements the simulated residents of the campus: their
// personas, memories and every LLM-backed behaviour they perform.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/memory"
	"github.com/nidhogg/campus-world/internal/provider"
	"go.uber.org/zap"
)

// Deps are the collaborators shared by every agent.
type Deps struct {
	LLM    provider.LanguageModelClient
	Memory *memory.Store
	Rand   *rand.Rand
	Logger *zap.Logger
}

// Agent is a resident of the campus. Experts and students embed it.
type Agent struct {
	persona Persona
	llm     provider.LanguageModelClient
	mem     *memory.Store
	conv    *memory.ConversationBuffer
	rng     *rand.Rand
	logger  *zap.Logger

	mu       sync.RWMutex
	location string
	schedule Schedule

	expert  *Expert
	student *Student
}

func newAgent(p Persona, d Deps) *Agent {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mem := d.Memory
	if mem == nil {
		mem = memory.NewStore(p.Name, nil, logger)
	}
	rng := d.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Agent{
		persona: p,
		llm:     d.LLM,
		mem:     mem,
		conv:    memory.NewConversationBuffer(0),
		rng:     rng,
		logger:  logger.With(zap.String("agent", p.Name)),
	}
}

// New builds an expert or a student depending on the persona. kb is the
// expert's knowledge base and is ignored for students.
func New(p Persona, d Deps, kb *knowledge.Base) *Agent {
	if p.IsExpert {
		return NewExpert(p, d, kb).Agent
	}
	return NewStudent(p, d).Agent
}

// Name returns the agent's unique name.
func (a *Agent) Name() string { return a.persona.Name }

// Persona returns the persona the agent was built from.
func (a *Agent) Persona() Persona { return a.persona }

// Role returns "expert" or "student".
func (a *Agent) Role() string { return a.persona.Role() }

// IsExpert reports whether the agent teaches.
func (a *Agent) IsExpert() bool { return a.expert != nil }

// AsExpert returns the expert handle for this agent.
func (a *Agent) AsExpert() (*Expert, bool) { return a.expert, a.expert != nil }

// AsStudent returns the student handle for this agent.
func (a *Agent) AsStudent() (*Student, bool) { return a.student, a.student != nil }

// Memory returns the agent's long-term memory.
func (a *Agent) Memory() *memory.Store { return a.mem }

// Conversation returns the agent's recent dialogue turns.
func (a *Agent) Conversation() *memory.ConversationBuffer { return a.conv }

// Location returns the current location, or "" before registration.
func (a *Agent) Location() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.location
}

// SetLocation records where the agent is. Only the world map calls it.
func (a *Agent) SetLocation(loc string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.location = loc
}

// Schedule returns a copy of the current daily schedule.
func (a *Agent) Schedule() Schedule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.schedule.clone()
}

// Info is a read-only view of an agent.
type Info struct {
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	Persona  string   `json:"persona"`
	Style    string   `json:"dialogue_style"`
	Location string   `json:"location"`
	Schedule Schedule `json:"schedule,omitempty"`
	Memories int      `json:"memories"`

	RecentTurns []memory.Turn   `json:"recent_turns,omitempty"`
	Curriculum  *CurriculumInfo `json:"curriculum,omitempty"`
}

// CurriculumInfo is an expert's teaching plan and where each student is in it.
type CurriculumInfo struct {
	Topics   []string       `json:"topics"`
	Progress map[string]int `json:"progress"`
}

const infoRecentTurns = 5

// Info returns a snapshot of the agent.
func (a *Agent) Info() Info {
	info := Info{
		Name:     a.Name(),
		Role:     a.Role(),
		Persona:  a.persona.Persona,
		Style:    a.persona.DialogueStyle,
		Location: a.Location(),
		Schedule: a.Schedule(),
		Memories: a.mem.Len(),

		RecentTurns: a.conv.Recent(infoRecentTurns),
	}
	if a.expert != nil {
		c := a.expert.Curriculum()
		info.Curriculum = &CurriculumInfo{Topics: c.Topics(), Progress: c.Progress()}
	}
	return info
}

// Remember persists a memory record.
func (a *Agent) Remember(ctx context.Context, rec memory.Record) error {
	if err := a.mem.Add(ctx, rec); err != nil {
		return fmt.Errorf("%s remember %s: %w", a.Name(), rec.Type, err)
	}
	return nil
}

// complete sends a free-text prompt. Failures are logged here so callers
// only pick their fallback.
func (a *Agent) complete(ctx context.Context, op, prompt string) (string, error) {
	if a.llm == nil {
		return "", errNoLLM
	}
	text, err := a.llm.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn("llm call failed", zap.String("op", op), zap.Error(err))
		return "", err
	}
	return text, nil
}

// completeJSON sends a prompt expecting one JSON object back. The error is
// non-nil only for transport failures.
func (a *Agent) completeJSON(ctx context.Context, op, prompt string) (provider.Result, error) {
	if a.llm == nil {
		return nil, errNoLLM
	}
	res, err := provider.CompleteJSON(ctx, a.llm, prompt)
	if err != nil {
		a.logger.Warn("llm call failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	if u, ok := res.(provider.Unparseable); ok {
		a.logger.Warn("llm reply has no JSON object", zap.String("op", op), zap.Error(u.Err))
	}
	return res, nil
}

var errNoLLM = fmt.Errorf("no language model configured")

// header is the identity block every prompt starts with.
func (a *Agent) header() string {
	return fmt.Sprintf("你是%s，人设：%s。\n你的对话风格：%s。\n你的日常习惯：%s。",
		a.Name(), a.persona.Persona, a.persona.DialogueStyle, a.persona.DailyHabits)
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

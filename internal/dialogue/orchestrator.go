package dialogue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/memory"
	"go.uber.org/zap"
)

// Dialogue modes.
const (
	ModeFree       = "free"
	ModeStructured = "structured"
)

var (
	topics         = []string{"学习交流", "日常聊天", "学术讨论", "兴趣分享"}
	teachingTopics = []string{"学习交流", "学术讨论", "知识讲解"}
	socialPlaces   = []string{"咖啡厅", "公园", "休息室", "图书馆", "教室"}

	expertActivities  = []string{"复习学生的学习进度", "准备教学材料", "反思教学方法", "更新知识库"}
	studentActivities = []string{"自主学习", "复习笔记", "思考问题", "整理学习资料"}
)

// Options tune the orchestrator. Zero probabilities select the defaults; a
// negative one disables the behaviour.
type Options struct {
	Mode      string
	MaxRounds int
	// TeachProbability is the chance an expert teaches students it meets
	// when the group decided not to talk.
	TeachProbability float64
	// SoloActivityProbability and HelpProbability govern agents alone at a location.
	SoloActivityProbability float64
	HelpProbability         float64
}

func (o *Options) defaults() {
	if o.Mode == "" {
		o.Mode = ModeFree
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = 5
	}
	if o.TeachProbability == 0 {
		o.TeachProbability = 1.0
	}
	if o.SoloActivityProbability == 0 {
		o.SoloActivityProbability = 0.6
	}
	if o.HelpProbability == 0 {
		o.HelpProbability = 0.3
	}
}

// Slot identifies the simulated moment a pass runs in.
type Slot struct {
	Date     string
	TimeSlot string
}

// Group is the agents standing at one location, in registration order.
type Group struct {
	Location string
	Agents   []*agent.Agent
}

// Orchestrator decides which co-located groups converse and drives the
// dialogues. It never runs two dialogues at once.
type Orchestrator struct {
	reg        *agent.Registry
	rng        *rand.Rand
	sink       Sink
	observers  []Observer
	structured *StructuredRunner
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// New creates an orchestrator. A nil sink keeps transcripts in memory only.
func New(reg *agent.Registry, rng *rand.Rand, sink Sink, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	return &Orchestrator{
		reg:        reg,
		rng:        rng,
		sink:       sink,
		structured: NewStructuredRunner(logger),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// AddObserver registers obs for every completed dialogue.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

// HandleSlot runs one interaction pass over every location group. LLM
// failures degrade inside agent behaviours; only memory persistence
// errors are returned.
func (o *Orchestrator) HandleSlot(ctx context.Context, slot Slot, groups []Group) error {
	var errs []error
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch {
		case len(g.Agents) == 1:
			err = o.solitary(ctx, g.Location, g.Agents[0])
		case len(g.Agents) > 1:
			err = o.interact(ctx, slot, g)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.Location, err))
		}
	}
	return errors.Join(errs...)
}

// InteractionProbability is the chance a group starts talking. It is not
// clamped, so crowded social places always interact.
func InteractionProbability(location string, agents []*agent.Agent) float64 {
	p := 0.5
	for _, kw := range socialPlaces {
		if strings.Contains(location, kw) {
			p = 0.8
			break
		}
	}
	experts, students := split(agents)
	if len(students) > 1 {
		p += 0.3
	}
	if len(experts) > 0 && len(students) > 0 {
		p += 0.2
	}
	return p
}

func split(agents []*agent.Agent) ([]*agent.Expert, []*agent.Student) {
	var experts []*agent.Expert
	var students []*agent.Student
	for _, a := range agents {
		if e, ok := a.AsExpert(); ok {
			experts = append(experts, e)
		} else if s, ok := a.AsStudent(); ok {
			students = append(students, s)
		}
	}
	return experts, students
}

func (o *Orchestrator) interact(ctx context.Context, slot Slot, g Group) error {
	p := InteractionProbability(g.Location, g.Agents)
	if o.rng.Float64() >= p {
		o.logger.Info("group decided not to talk", zap.String("location", g.Location), zap.Float64("p", p))
		return o.spontaneousTeaching(ctx, g)
	}

	topic := o.selectTopic(g.Agents)
	all := names(g.Agents)
	var participants []*agent.Agent
	for _, a := range g.Agents {
		d := a.ShouldJoinDialogue(ctx, topic, all, o.reg, g.Location)
		o.logger.Debug("admission", zap.String("agent", a.Name()), zap.Bool("join", d.ShouldJoin), zap.String("reason", d.Reason))
		if d.ShouldJoin {
			participants = append(participants, a)
		}
	}
	if len(participants) < 2 {
		return o.recordFailed(ctx, g, topic, names(participants))
	}

	_, err := o.Run(ctx, slot, g.Location, topic, participants)
	return err
}

// selectTopic prefers topics hinted at by the agents' latest memories.
func (o *Orchestrator) selectTopic(agents []*agent.Agent) string {
	var hints []string
	for _, a := range agents {
		for _, r := range a.Memory().Recent(3, "") {
			switch {
			case strings.Contains(r.Content, "学习"):
				hints = append(hints, "学习交流")
			case strings.Contains(r.Content, "课程"), strings.Contains(r.Content, "知识"):
				hints = append(hints, "学术讨论")
			case strings.Contains(r.Content, "兴趣"):
				hints = append(hints, "兴趣分享")
			}
		}
	}
	pool := topics
	if len(hints) > 0 {
		pool = append(hints, topics...)
	}
	return pool[o.rng.IntN(len(pool))]
}

func (o *Orchestrator) recordFailed(ctx context.Context, g Group, topic string, joined []string) error {
	all := names(g.Agents)
	content := fmt.Sprintf("在%s关于'%s'的对话尝试失败，只有%d/%d人参与", g.Location, topic, len(joined), len(all))
	o.logger.Info("dialogue not started", zap.String("location", g.Location), zap.String("topic", topic), zap.Int("joined", len(joined)))
	for _, a := range g.Agents {
		rec := memory.NewRecord(memory.TypeFailedDialogue, content, map[string]any{
			"topic":                topic,
			"location":             g.Location,
			"all_agents":           all,
			"participating_agents": joined,
			"reason":               "参与人数不足",
		}, 0.8)
		if err := a.Remember(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Run holds a dialogue among participants, whose first member initiates,
// then persists the transcript, has every participant remember it and
// lets an expert follow up with teaching. A dialogue in which nobody spoke
// leaves no trace and returns a nil transcript.
func (o *Orchestrator) Run(ctx context.Context, slot Slot, location, topic string, participants []*agent.Agent) (*Transcript, error) {
	var conv Conversation
	if o.opts.Mode == ModeStructured {
		conv = o.structured.Run(ctx, topic, participants, participants[0], o.maxRounds(participants[0]))
	} else {
		conv = o.Converse(ctx, topic, participants)
	}
	if len(conv.History) == 0 {
		o.logger.Info("dialogue ended before anyone spoke", zap.String("location", location), zap.String("topic", topic))
		return nil, nil
	}

	t := newTranscript(location, topic, o.opts.Mode, slot, names(participants), conv.History, o.now())
	if o.sink != nil {
		ref, err := o.sink.Save(ctx, t)
		if err != nil {
			o.logger.Warn("transcript not saved", zap.String("location", location), zap.Error(err))
		}
		t.LogFile = ref
	}
	o.logger.Info("dialogue finished",
		zap.String("location", location), zap.String("topic", topic),
		zap.Int("turns", len(t.DialogueHistory)), zap.Strings("participants", t.Participants))

	for _, a := range participants {
		if _, err := a.RememberDialogue(ctx, agent.DialogueOutcome{
			Topic:        topic,
			History:      conv.History,
			Participants: t.Participants,
			LogFile:      t.LogFile,
		}); err != nil {
			return t, err
		}
	}
	for _, obs := range o.observers {
		if err := obs.OnDialogue(ctx, t); err != nil {
			o.logger.Warn("dialogue observer failed", zap.Error(err))
		}
	}
	return t, o.teachAfterDialogue(ctx, participants, conv.History, topic)
}

func (o *Orchestrator) maxRounds(initiator *agent.Agent) int {
	if n := initiator.Persona().MaxDialogueRounds; n > 0 {
		return n
	}
	return o.opts.MaxRounds
}

// Converse runs a free dialogue. Everyone still in re-decides each round
// before anyone speaks; whoever declines is gone for good. Each survivor
// speaks once per round and the initiator speaks last.
func (o *Orchestrator) Converse(ctx context.Context, topic string, participants []*agent.Agent) Conversation {
	initiator := participants[0]
	var conv Conversation

	available := participants
	rounds := o.maxRounds(initiator)
	for round := 0; round < rounds && !Finished(conv.History); round++ {
		current := names(available)
		var staying []*agent.Agent
		for _, a := range available {
			d := a.ShouldContinueDialogue(ctx, topic, current, conv.History)
			if d.ShouldJoin {
				staying = append(staying, a)
			} else {
				o.logger.Debug("left dialogue", zap.String("agent", a.Name()), zap.String("reason", d.Reason))
			}
		}
		available = staying
		if len(available) < 2 {
			break
		}
		current = names(available)
		conv.Rounds = append(conv.Rounds, current)

		order := make([]*agent.Agent, 0, len(available))
		initiatorIn := false
		for _, a := range available {
			if a == initiator {
				initiatorIn = true
				continue
			}
			order = append(order, a)
		}
		if initiatorIn {
			order = append(order, initiator)
		}
		for _, a := range order {
			if len(conv.History) >= MaxTurns {
				break
			}
			conv.History = append(conv.History, a.GenerateTurn(ctx, topic, conv.History, current))
			if Finished(conv.History) {
				break
			}
		}
	}
	return conv
}

func (o *Orchestrator) teachAfterDialogue(ctx context.Context, participants []*agent.Agent, history []memory.Turn, topic string) error {
	experts, students := split(participants)
	if len(experts) == 0 || len(students) == 0 {
		return nil
	}
	e := experts[0]
	decision := e.DecideTeaching(ctx, students, agent.FormatTurns(history, 0), topic)
	o.logger.Info("post-dialogue teaching decision", zap.String("expert", e.Name()), zap.Bool("teach", decision.ShouldTeach), zap.String("reason", decision.Reason))
	if !decision.ShouldTeach {
		return nil
	}
	_, err := e.TeachGroup(ctx, students, topic)
	return err
}

func (o *Orchestrator) spontaneousTeaching(ctx context.Context, g Group) error {
	experts, students := split(g.Agents)
	if len(experts) == 0 || len(students) == 0 {
		return nil
	}
	if o.rng.Float64() >= o.opts.TeachProbability {
		return nil
	}
	e := experts[0]
	topic := teachingTopics[o.rng.IntN(len(teachingTopics))]
	o.logger.Info("spontaneous teaching", zap.String("expert", e.Name()), zap.String("topic", topic),
		zap.String("reason", fmt.Sprintf("在%s与学生相遇，决定进行教学活动", g.Location)))
	for _, s := range students {
		res, err := e.Teach(ctx, s, topic)
		if err != nil {
			return err
		}
		if _, err := s.RememberDialogue(ctx, agent.DialogueOutcome{
			Topic:        res.Topic,
			History:      []memory.Turn{{Speaker: e.Name(), Topic: res.Topic, Message: res.Content, Timestamp: o.now()}},
			Participants: []string{e.Name(), s.Name()},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) solitary(ctx context.Context, location string, a *agent.Agent) error {
	if o.rng.Float64() < o.opts.SoloActivityProbability {
		activities, typ := studentActivities, memory.TypeStudentActivity
		if a.IsExpert() {
			activities, typ = expertActivities, memory.TypeExpertActivity
		}
		activity := activities[o.rng.IntN(len(activities))]
		rec := memory.NewRecord(typ, fmt.Sprintf("在%s进行了%s", location, activity), map[string]any{
			"activity": activity,
			"location": location,
		}, 1.0)
		if err := a.Remember(ctx, rec); err != nil {
			return err
		}
	}

	s, ok := a.AsStudent()
	if !ok || o.rng.Float64() >= o.opts.HelpProbability {
		return nil
	}
	teacher, ok := o.reg.FirstExpert()
	if !ok {
		return nil
	}
	topic := helpTopic(a.Memory().Recent(3, ""))
	res, err := s.AskTeacherForHelp(ctx, teacher, topic)
	if err != nil {
		return err
	}
	o.logger.Info("asked teacher for help", zap.String("student", s.Name()), zap.String("topic", topic), zap.String("question", memory.Clip(res.Question, 50)))
	return nil
}

func helpTopic(recent []memory.Record) string {
	for _, r := range recent {
		switch {
		case strings.Contains(r.Content, "学习"):
			return "学习方法"
		case strings.Contains(r.Content, "知识"):
			return "知识理解"
		case strings.Contains(r.Content, "考试"):
			return "考试准备"
		}
	}
	return "学习交流"
}

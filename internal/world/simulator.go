package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/dialogue"
	"go.uber.org/zap"
)

// Exam phases.
const (
	PhasePre  = "pre"
	PhasePost = "post"
)

// ExamScore is one graded exam attempt.
type ExamScore struct {
	Student    string      `json:"student"`
	Teacher    string      `json:"teacher"`
	Phase      string      `json:"phase"`
	Score      float64     `json:"score"`
	Grade      agent.Grade `json:"grade"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Key is "{student}_{phase}".
func (s ExamScore) Key() string { return s.Student + "_" + s.Phase }

// ScoreObserver is told about every graded exam.
type ScoreObserver interface {
	OnScore(ctx context.Context, s ExamScore) error
}

// Report compares a student's pre and post exam scores.
type Report struct {
	Student     string  `json:"student"`
	Pre         float64 `json:"pre"`
	Post        float64 `json:"post"`
	Improvement float64 `json:"improvement"`
}

// Options control a simulation run.
type Options struct {
	TotalDays         int
	TimeSlots         []string
	RunExam           bool
	ExamQuestionCount int
}

// Simulator owns the registry, the map and the calendar and drives the
// day/slot loop.
type Simulator struct {
	reg      *agent.Registry
	wmap     *Map
	calendar *Calendar
	clock    *Clock
	orch     *dialogue.Orchestrator
	opts     Options
	logger   *zap.Logger

	observers []ScoreObserver

	mu     sync.RWMutex
	scores map[string]ExamScore
}

// NewSimulator wires a simulation.
func NewSimulator(reg *agent.Registry, wmap *Map, cal *Calendar, orch *dialogue.Orchestrator, logger *zap.Logger, opts Options) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.TimeSlots) == 0 {
		opts.TimeSlots = agent.TimeSlots
	}
	return &Simulator{
		reg:      reg,
		wmap:     wmap,
		calendar: cal,
		clock:    NewClock(logger),
		orch:     orch,
		opts:     opts,
		logger:   logger,
		scores:   make(map[string]ExamScore),
	}
}

// Registry returns the agents.
func (s *Simulator) Registry() *agent.Registry { return s.reg }

// Map returns the campus map.
func (s *Simulator) Map() *Map { return s.wmap }

// Clock returns the simulation clock.
func (s *Simulator) Clock() *Clock { return s.clock }

// AddScoreObserver registers o for every graded exam.
func (s *Simulator) AddScoreObserver(o ScoreObserver) {
	s.observers = append(s.observers, o)
}

// Register adds a to the registry and places it at the first location.
func (s *Simulator) Register(a *agent.Agent) error {
	if err := s.reg.Register(a); err != nil {
		return err
	}
	if err := s.wmap.Place(a); err != nil {
		return fmt.Errorf("place %s: %w", a.Name(), err)
	}
	return nil
}

// Scores returns every exam score keyed "{student}_{phase}".
func (s *Simulator) Scores() map[string]ExamScore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ExamScore, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out
}

// Run simulates every day and returns the exam reports, empty when no exam
// was run. It stops early only on cancellation or a storage failure.
func (s *Simulator) Run(ctx context.Context) ([]Report, error) {
	s.logger.Info("simulation starting",
		zap.Int("agents", s.reg.Len()), zap.Int("days", s.opts.TotalDays), zap.Strings("slots", s.opts.TimeSlots))

	var questions []agent.Question
	teacher, hasTeacher := s.reg.FirstExpert()
	if s.opts.RunExam && hasTeacher {
		questions = teacher.CreateExam(ctx, s.opts.ExamQuestionCount)
		if err := s.examAll(ctx, teacher, questions, PhasePre); err != nil {
			return nil, err
		}
	}

	for day := 1; day <= s.opts.TotalDays; day++ {
		if err := s.runDay(ctx, day); err != nil {
			return nil, err
		}
	}

	if len(questions) == 0 {
		s.logger.Info("simulation finished")
		return nil, nil
	}
	if err := s.examAll(ctx, teacher, questions, PhasePost); err != nil {
		return nil, err
	}
	reports := s.Reports()
	for _, r := range reports {
		s.logger.Info("exam report", zap.String("student", r.Student),
			zap.Float64("pre", r.Pre), zap.Float64("post", r.Post), zap.Float64("improvement", r.Improvement))
	}
	s.logger.Info("simulation finished")
	return reports, nil
}

func (s *Simulator) runDay(ctx context.Context, day int) error {
	date := s.calendar.AdvanceDay()
	s.clock.StartDay(day, date)
	today := s.calendar.ScheduleForDay()
	dateStr := date.Format(DateLayout)

	for _, slot := range s.opts.TimeSlots {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.clock.EnterSlot(slot)
		global := today.Slot(slot)
		for _, a := range s.reg.All() {
			if err := s.act(ctx, a, dateStr, slot, global); err != nil {
				return err
			}
		}
		if err := s.orch.HandleSlot(ctx, dialogue.Slot{Date: dateStr, TimeSlot: slot}, s.groups()); err != nil {
			return fmt.Errorf("day %d %s: %w", day, slot, err)
		}
		s.processRequests(slot)
	}
	s.clock.EndDay(ctx)
	return nil
}

// act plans the agent's day, moves it to where the slot says and records
// what it did there.
func (s *Simulator) act(ctx context.Context, a *agent.Agent, date, slot string, global map[string]any) error {
	a.CreateDailySchedule(ctx, agent.ScheduleRequest{
		Date:     date,
		Places:   s.wmap.Places(),
		Global:   global,
		Memories: a.Memory().Recent(5, ""),
	})
	action := a.ActionFor(slot)
	result := "按计划进行"
	if action.Location != "" && action.Location != a.Location() {
		if err := s.wmap.Move(a.Name(), action.Location); err != nil {
			s.logger.Warn("move failed", zap.String("agent", a.Name()), zap.String("to", action.Location), zap.Error(err))
			result = "未能前往" + action.Location
		} else {
			s.logger.Info("agent moved", zap.String("agent", a.Name()), zap.String("to", action.Location), zap.String("reason", action.Reason))
		}
	}
	_, err := a.RecordActivity(ctx, agent.Activity{
		Location: a.Location(),
		Activity: action.Activity,
		Reason:   action.Reason,
		Result:   result,
	})
	return err
}

// groups lists the agents per location in map order. Within a location
// agents keep registration order, so the first registered one initiates.
func (s *Simulator) groups() []dialogue.Group {
	at := make(map[string][]*agent.Agent)
	for _, a := range s.reg.All() {
		if loc, ok := s.wmap.LocationOf(a.Name()); ok {
			at[loc] = append(at[loc], a)
		}
	}
	var out []dialogue.Group
	for _, loc := range s.wmap.Locations() {
		if agents := at[loc.Name]; len(agents) > 0 {
			out = append(out, dialogue.Group{Location: loc.Name, Agents: agents})
		}
	}
	return out
}

// processRequests is where queued agent requests would be handled. No
// request types exist yet.
func (s *Simulator) processRequests(slot string) {
	s.logger.Debug("no pending agent requests", zap.String("slot", slot))
}

func (s *Simulator) examAll(ctx context.Context, teacher *agent.Expert, questions []agent.Question, phase string) error {
	var errs []error
	for _, st := range s.reg.Students() {
		answers, err := st.TakeExam(ctx, questions)
		if err != nil {
			return err
		}
		grade, err := teacher.GradeExam(ctx, st, answers, questions)
		if err != nil {
			return err
		}
		score := ExamScore{
			Student:    st.Name(),
			Teacher:    teacher.Name(),
			Phase:      phase,
			Score:      grade.TotalScore,
			Grade:      grade,
			RecordedAt: time.Now(),
		}
		s.mu.Lock()
		s.scores[score.Key()] = score
		s.mu.Unlock()
		s.logger.Info("exam graded", zap.String("student", st.Name()), zap.String("phase", phase), zap.Float64("score", grade.TotalScore))

		for _, o := range s.observers {
			if err := o.OnScore(ctx, score); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("score observers failed", zap.Error(err))
	}
	return nil
}

// Reports pairs pre and post scores per student in registration order.
func (s *Simulator) Reports() []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Report
	for _, st := range s.reg.Students() {
		pre, okPre := s.scores[st.Name()+"_"+PhasePre]
		post, okPost := s.scores[st.Name()+"_"+PhasePost]
		if !okPre || !okPost {
			continue
		}
		out = append(out, Report{Student: st.Name(), Pre: pre.Score, Post: post.Score, Improvement: post.Score - pre.Score})
	}
	return out
}

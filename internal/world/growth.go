package world

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/campus-world/internal/dialogue"
	"go.uber.org/zap"
)

// Milestone records a growth achievement.
type Milestone struct {
	Title      string    `json:"title"`
	Desc       string    `json:"description"`
	AchievedAt time.Time `json:"achieved_at"`
}

// GrowthProfile tracks how an agent develops over the run.
type GrowthProfile struct {
	Agent       string             `json:"agent"`
	Level       int                `json:"level"`
	Experience  int                `json:"experience"`
	Dialogues   int                `json:"dialogues"`
	SkillScores map[string]float64 `json:"skill_scores"`
	ExamScores  map[string]float64 `json:"exam_scores"`
	Milestones  []Milestone        `json:"milestones"`
}

const (
	experiencePerLevel = 100
	dialogueXP         = 10
	topicSkillDelta    = 0.05
)

// GrowthTracker keeps one profile per agent, fed by dialogues and exams.
type GrowthTracker struct {
	mu       sync.RWMutex
	profiles map[string]*GrowthProfile
	now      func() time.Time
	logger   *zap.Logger
}

// NewGrowthTracker creates a growth tracker.
func NewGrowthTracker(logger *zap.Logger) *GrowthTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GrowthTracker{profiles: make(map[string]*GrowthProfile), now: time.Now, logger: logger}
}

// Profile returns a copy of name's profile.
func (t *GrowthTracker) Profile(name string) GrowthProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreate(name).clone()
}

// Profiles returns every profile sorted by name.
func (t *GrowthTracker) Profiles() []GrowthProfile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]GrowthProfile, 0, len(t.profiles))
	for _, p := range t.profiles {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// AddExperience grants XP and handles level-ups.
func (t *GrowthTracker) AddExperience(name string, xp int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addExperience(t.getOrCreate(name), xp)
}

func (t *GrowthTracker) addExperience(p *GrowthProfile, xp int) {
	p.Experience += xp
	for p.Experience >= experiencePerLevel*p.Level {
		p.Experience -= experiencePerLevel * p.Level
		p.Level++
		p.Milestones = append(p.Milestones, Milestone{
			Title:      "升级",
			Desc:       fmt.Sprintf("达到%d级", p.Level),
			AchievedAt: t.now(),
		})
		t.logger.Info("agent leveled up", zap.String("agent", p.Agent), zap.Int("level", p.Level))
	}
}

// AddSkillScore raises a topic skill, capped at 1.
func (t *GrowthTracker) AddSkillScore(name, skill string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.getOrCreate(name)
	p.SkillScores[skill] = min(p.SkillScores[skill]+delta, 1.0)
}

// OnDialogue gives every participant experience and a little skill in the topic.
func (t *GrowthTracker) OnDialogue(_ context.Context, tr *dialogue.Transcript) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range tr.Participants {
		p := t.getOrCreate(name)
		p.Dialogues++
		p.SkillScores[tr.Topic] = min(p.SkillScores[tr.Topic]+topicSkillDelta, 1.0)
		t.addExperience(p, dialogueXP)
	}
	return nil
}

// OnScore records an exam score. A post-exam score above the pre-exam one
// is a milestone, and the exam's topics set the skill floor.
func (t *GrowthTracker) OnScore(_ context.Context, s ExamScore) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.getOrCreate(s.Student)
	p.ExamScores[s.Phase] = s.Score
	for _, r := range s.Grade.GradingResults {
		p.SkillScores[r.Topic] = max(p.SkillScores[r.Topic], r.Score/10)
	}
	t.addExperience(p, int(s.Score/2))
	if pre, ok := p.ExamScores[PhasePre]; ok && s.Phase == PhasePost && s.Score > pre {
		p.Milestones = append(p.Milestones, Milestone{
			Title:      "成绩进步",
			Desc:       fmt.Sprintf("考试成绩从%.1f提高到%.1f", pre, s.Score),
			AchievedAt: t.now(),
		})
	}
	return nil
}

func (t *GrowthTracker) getOrCreate(name string) *GrowthProfile {
	p, ok := t.profiles[name]
	if !ok {
		p = &GrowthProfile{
			Agent:       name,
			Level:       1,
			SkillScores: make(map[string]float64),
			ExamScores:  make(map[string]float64),
		}
		t.profiles[name] = p
	}
	return p
}

func (p *GrowthProfile) clone() GrowthProfile {
	c := *p
	c.SkillScores = make(map[string]float64, len(p.SkillScores))
	for k, v := range p.SkillScores {
		c.SkillScores[k] = v
	}
	c.ExamScores = make(map[string]float64, len(p.ExamScores))
	for k, v := range p.ExamScores {
		c.ExamScores[k] = v
	}
	c.Milestones = append([]Milestone(nil), p.Milestones...)
	return c
}

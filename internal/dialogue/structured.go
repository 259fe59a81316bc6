package dialogue

import (
	"context"
	"fmt"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/memory"
	"go.uber.org/zap"
)

// relevantMemoryRunes bounds the memory summary in a structured turn prompt.
const relevantMemoryRunes = 600

const structuredTemplate = `你正在参与一场围绕【%s】的多轮对话。

背景信息：
- 你的身份：%s
- 今日目标：%s
- 相关知识：%s
- 先前记忆：%s
- 对话目标：%s

请基于以上内容，提出**具体问题**、分享**具体见解**，或**请求协作**。避免泛泛而谈。

当前对话历史：
%s

现在轮到你发言，请保持专业、具体、有推进性。`

// StructuredRunner runs goal-directed dialogues: every turn is grounded on
// the speaker's persona, daily goal, topic memories and a knowledge snippet.
type StructuredRunner struct {
	logger *zap.Logger
}

// NewStructuredRunner creates a runner.
func NewStructuredRunner(logger *zap.Logger) *StructuredRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StructuredRunner{logger: logger}
}

// Run lets initiator open, then gives every other agent one turn per round
// for maxRounds-1 rounds.
func (r *StructuredRunner) Run(ctx context.Context, topic string, agents []*agent.Agent, initiator *agent.Agent, maxRounds int) Conversation {
	var snippet string
	for _, a := range agents {
		if e, ok := a.AsExpert(); ok {
			snippet = e.TopicSnippet(ctx, topic)
			break
		}
	}
	names := names(agents)

	var conv Conversation
	conv.History = append(conv.History, r.turn(ctx, initiator, topic, snippet, conv.History))
	limit := maxRounds * len(agents)

	done := func() bool { return Finished(conv.History) || len(conv.History) >= limit }
	for round := 1; round < maxRounds && !done(); round++ {
		conv.Rounds = append(conv.Rounds, names)
		for _, a := range agents {
			if a == initiator {
				continue
			}
			if done() {
				break
			}
			conv.History = append(conv.History, r.turn(ctx, a, topic, snippet, conv.History))
		}
		r.logger.Debug("structured round", zap.String("topic", topic), zap.Int("round", round), zap.Int("turns", len(conv.History)))
	}
	return conv
}

func (r *StructuredRunner) turn(ctx context.Context, a *agent.Agent, topic, snippet string, history []memory.Turn) memory.Turn {
	p := a.Persona()
	goal := p.DailyGoal
	if goal == "" {
		goal = "无特定目标"
	}
	kb := snippet
	if kb == "" {
		kb = "无"
	}
	relevant := memory.Summarize(a.Memory().SearchByTopic(topic, 3), relevantMemoryRunes)
	if relevant == "" {
		relevant = "无"
	}
	prompt := fmt.Sprintf(structuredTemplate, topic, p.Persona, goal, kb, relevant,
		fmt.Sprintf("深入探讨%s的相关问题", topic), agent.FormatTurns(history, 3))
	return a.Speak(ctx, topic, prompt, fmt.Sprintf("关于%s，我认为我们需要进一步讨论。", topic))
}

func names(agents []*agent.Agent) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Name())
	}
	return out
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/campus-world/internal/memory"
	"github.com/nidhogg/campus-world/internal/provider"
)

// Decision is an agent's answer to "do I take part?".
type Decision struct {
	ShouldJoin bool    `json:"should_join"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type decisionReply struct {
	ShouldJoin *bool    `json:"should_join"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

func (r *decisionReply) Validate() error {
	if r.ShouldJoin == nil {
		return errors.New("missing should_join")
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("confidence %v out of range", *r.Confidence)
	}
	return nil
}

func (r decisionReply) decision() Decision {
	d := Decision{ShouldJoin: *r.ShouldJoin, Reason: r.Reason, Confidence: 0.5}
	if r.Confidence != nil {
		d.Confidence = *r.Confidence
	}
	return d
}

const decisionFormat = `返回一个JSON格式的决策：
{
    "should_join": true/false,
    "reason": "简短的解释原因",
    "confidence": 0.0-1.0之间的置信度
}`

// ShouldContinueDialogue is asked once per round while a dialogue runs. A
// reply without a usable decision keeps the agent in when the dialogue
// already has turns; a failed call drops it.
func (a *Agent) ShouldContinueDialogue(ctx context.Context, topic string, participants []string, history []memory.Turn) Decision {
	prompt := fmt.Sprintf(`%s

当前话题是：%s
当前在场的参与者：%s

你的对话当前对话记忆：
%s

请根据你的人设、记忆和当前情况，判断你是否应该继续这个对话。
%s`, a.header(), topic, strings.Join(participants, "、"), FormatTurns(history, 0), decisionFormat)

	res, err := a.completeJSON(ctx, "should_continue_dialogue", prompt)
	if err != nil {
		return Decision{Reason: "处理决策时出错: " + err.Error()}
	}
	reply, err := provider.Decode[decisionReply](res)
	if err != nil {
		return Decision{ShouldJoin: len(history) > 0, Reason: "基于对话历史的默认决策", Confidence: 0.5}
	}
	return reply.decision()
}

// Relationship is how an agent feels about another, judged from memories.
type Relationship string

const (
	RelationUnknown  Relationship = "unknown"
	RelationPositive Relationship = "positive"
	RelationNegative Relationship = "negative"
	RelationNeutral  Relationship = "neutral"
)

var (
	positiveWords = []string{"合作", "帮助", "友好", "positive", "good"}
	negativeWords = []string{"冲突", "矛盾", "negative", "bad", "disagreement"}
)

// AssessRelationship counts positive and negative memories mentioning other.
func (a *Agent) AssessRelationship(other *Agent) Relationship {
	recs := a.mem.Search(other.Name(), 3, "")
	if len(recs) == 0 {
		return RelationUnknown
	}
	var pos, neg int
	for _, r := range recs {
		if containsAny(r.Content, positiveWords) {
			pos++
		}
		if containsAny(r.Content, negativeWords) {
			neg++
		}
	}
	switch {
	case pos > neg:
		return RelationPositive
	case neg > pos:
		return RelationNegative
	default:
		return RelationNeutral
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

type participantInfo struct {
	Name         string       `json:"name"`
	Persona      string       `json:"persona"`
	Relationship Relationship `json:"relationship"`
}

// ShouldJoinDialogue is the admission check before a dialogue starts. It is
// grounded on topic memories, recent memories, the other participants as
// resolved through reg and, for experts, knowledge base relevance.
func (a *Agent) ShouldJoinDialogue(ctx context.Context, topic string, participants []string, reg *Registry, location string) Decision {
	topicMems := a.mem.Search(topic, 3, "")
	recent := a.mem.Recent(5, "")

	var others []participantInfo
	for _, name := range participants {
		if name == a.Name() {
			continue
		}
		other, err := reg.Get(name)
		if err != nil {
			continue
		}
		others = append(others, participantInfo{
			Name:         other.Name(),
			Persona:      other.persona.Persona,
			Relationship: a.AssessRelationship(other),
		})
	}

	var kbLine string
	if e, ok := a.AsExpert(); ok {
		kbLine = fmt.Sprintf("\n- 话题与知识库的相关度：%s", e.topicRelevance(ctx, topic))
	}

	prompt := fmt.Sprintf(`%s

当前情况：
- 地点：%s
- 话题：%s
- 参与者：%s
- 其他参与者信息：%s%s

相关记忆：
- 话题相关记忆：
%s
- 近期记忆：
%s

请根据你的人设、记忆、话题相关性、其他参与者和当前环境，判断你是否应该参与这个对话。
%s`, a.header(), location, topic, strings.Join(participants, "、"), toJSON(others), kbLine,
		memory.FormatContext(topicMems), memory.FormatContext(recent), decisionFormat)

	res, err := a.completeJSON(ctx, "should_join_dialogue", prompt)
	if err != nil {
		return Decision{Reason: "处理决策时出错: " + err.Error()}
	}
	reply, err := provider.Decode[decisionReply](res)
	if err != nil {
		return Decision{ShouldJoin: len(topicMems) > 0, Reason: "基于话题相关记忆的默认决策", Confidence: 0.5}
	}
	return reply.decision()
}

// FormatTurns renders "speaker: message" lines, keeping the last n (all when n <= 0).
func FormatTurns(turns []memory.Turn, n int) string {
	if len(turns) == 0 {
		return "（暂无对话）"
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Speaker+": "+t.Message)
	}
	return memory.Truncate(strings.Join(lines, "\n"), memory.DefaultContextTokens)
}

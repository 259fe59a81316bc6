package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/campus-world/internal/memory"
)

// GenerateTurn produces this agent's next line. A failed call still yields a
// turn whose message reports the error, so the dialogue carries on.
func (a *Agent) GenerateTurn(ctx context.Context, topic string, history []memory.Turn, participants []string) memory.Turn {
	prompt := fmt.Sprintf(`你是%s，人设：%s。
你的对话风格：%s。
当前话题：%s
对话历史：
%s
参与者：%s
你之前就这个话题说过：
%s

请生成你的一句话回应，保持符合你的角色设定，不要重复自己说过的话。`,
		a.Name(), a.persona.Persona, a.persona.DialogueStyle, topic,
		FormatTurns(history, 0), strings.Join(participants, "、"), a.earlierLines(topic))

	msg, err := a.complete(ctx, "generate_dialogue_turn", prompt)
	if err != nil {
		msg = "无法生成回应: " + err.Error()
	}
	turn := memory.Turn{
		Speaker:   a.Name(),
		Topic:     topic,
		Message:   strings.TrimSpace(msg),
		Timestamp: time.Now(),
	}
	a.conv.Add(turn)
	return turn
}

// earlierLines lists the agent's own last few buffered lines on topic.
func (a *Agent) earlierLines(topic string) string {
	said := a.conv.ByTopic(topic)
	if len(said) == 0 {
		return "无"
	}
	return FormatTurns(said, ownLinesShown)
}

const ownLinesShown = 3

// DialogueOutcome describes a finished dialogue for memory synthesis.
type DialogueOutcome struct {
	Topic        string
	History      []memory.Turn
	Participants []string
	LogFile      string
}

// RememberDialogue writes one summarizing memory of a finished dialogue.
// Students also keep the sentences that mention the topic.
func (a *Agent) RememberDialogue(ctx context.Context, out DialogueOutcome) (memory.Record, error) {
	var keyPoints []string
	for _, t := range out.History {
		if t.Message == "" {
			continue
		}
		keyPoints = append(keyPoints, fmt.Sprintf("%s: %s...", t.Speaker, memory.Clip(t.Message, 100)))
	}
	who := strings.Join(out.Participants, ", ")

	var content string
	if len(keyPoints) == 0 {
		content = fmt.Sprintf("参与了关于'%s'的对话，参与者: %s，但对话内容未记录", out.Topic, who)
	} else {
		related := a.mem.Search(out.Topic, 3, "")
		prompt := fmt.Sprintf(`你是%s，人设：%s。

你刚刚参与了一个关于"%s"的对话，参与者包括: %s。
对话内容摘要:
%s

你已有的相关记忆：
%s

请根据这个对话内容和你的人设，生成一个简洁但有意义的记忆记录，
描述这次对话的主要内容和你的收获或感受。
记忆应该包含:
- 对话主题
- 重要的讨论点
- 你的感受或收获
- 与你已有知识或经历的联系

请返回一个简短但内容丰富的记忆描述。`,
			a.Name(), a.persona.Persona, out.Topic, who,
			memory.Truncate(strings.Join(keyPoints, "\n"), memory.DefaultContextTokens),
			memory.FormatContext(related))
		text, err := a.complete(ctx, "generate_dialogue_memory", prompt)
		if err != nil || strings.TrimSpace(text) == "" {
			text = fmt.Sprintf("参与了关于'%s'的对话，与%s讨论了相关内容", out.Topic, who)
		}
		content = strings.TrimSpace(text)
	}

	details := map[string]any{
		"topic":            out.Topic,
		"participants":     out.Participants,
		"dialogue_summary": keyPoints,
		"location":         a.Location(),
	}
	if out.LogFile != "" {
		details["dialogue_log_file"] = out.LogFile
	}
	if a.student != nil {
		details["key_takeaways"] = KeyTakeaways(joinMessages(out.History), out.Topic)
	}

	rec := memory.NewRecord(memory.TypeDialogue, content, details, 1.2)
	return rec, a.Remember(ctx, rec)
}

func joinMessages(turns []memory.Turn) string {
	msgs := make([]string, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, t.Message)
	}
	return strings.Join(msgs, " ")
}

// KeyTakeaways returns up to three sentences (split on 。) that mention topic
// and are longer than ten characters.
func KeyTakeaways(text, topic string) []string {
	t := strings.ToLower(topic)
	if t == "" || !strings.Contains(strings.ToLower(text), t) {
		return []string{}
	}
	out := []string{}
	for _, sentence := range strings.Split(text, "。") {
		s := strings.TrimSpace(sentence)
		if strings.Contains(strings.ToLower(s), t) && len([]rune(s)) > 10 {
			out = append(out, s)
			if len(out) == 3 {
				break
			}
		}
	}
	return out
}

// Activity is one thing an agent did during a time slot.
type Activity struct {
	Type     string
	Location string
	Activity string
	Reason   string
	Result   string
}

// RecordActivity turns an activity into a reflective memory grounded on the
// agent's recent memories.
func (a *Agent) RecordActivity(ctx context.Context, act Activity) (memory.Record, error) {
	loc := orDefault(act.Location, "未知地点")
	what := orDefault(act.Activity, "未知活动")
	result := orDefault(act.Result, "未记录")
	recent := a.mem.Recent(5, "")

	prompt := fmt.Sprintf(`你是%s，人设：%s。

你刚刚经历了一个事件:
- 地点: %s
- 活动: %s
- 原因: %s
- 结果: %s

你的近期记忆:
%s

请根据这个事件和你的人设，生成一个有意义的记忆描述。
这个记忆应该:
1. 与你的个性和经历相符
2. 反映事件的重要性和意义
3. 包含你对事件的感受或思考
4. 与你之前的记忆有所关联

请返回一个简洁但内容丰富的记忆描述。`,
		a.Name(), a.persona.Persona, loc, what, orDefault(act.Reason, "无"), result, memory.FormatContext(recent))

	content, err := a.complete(ctx, "generate_memory", prompt)
	if err != nil || strings.TrimSpace(content) == "" {
		content = fmt.Sprintf("%s在%s进行了%s，结果是%s", a.Name(), loc, what, result)
	}

	typ := orDefault(act.Type, memory.TypeDailyActivity)
	rec := memory.NewRecord(typ, strings.TrimSpace(content), map[string]any{
		"location":         loc,
		"activity":         what,
		"reason":           act.Reason,
		"result":           result,
		"context_memories": memory.Contents(head(recent, 3), 100),
	}, 1.0)
	return rec, a.Remember(ctx, rec)
}

func head(recs []memory.Record, n int) []memory.Record {
	if len(recs) > n {
		return recs[:n]
	}
	return recs
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// Battle outcomes.
var battleOutcomes = []string{"胜利", "失败", "平局"}

// Battle picks a random outcome against opponent and remembers it.
func (a *Agent) Battle(ctx context.Context, opponent string) (string, error) {
	result := battleOutcomes[a.rng.IntN(len(battleOutcomes))]
	rec := memory.NewRecord(memory.TypeBattle, fmt.Sprintf("与%s的战斗结果：%s", opponent, result), map[string]any{
		"participants": []string{a.Name(), opponent},
		"result":       result,
	}, 1.0)
	return result, a.Remember(ctx, rec)
}

// Speak sends a prompt built by the caller and returns the reply as this
// agent's turn, or fallback when the call fails.
func (a *Agent) Speak(ctx context.Context, topic, prompt, fallback string) memory.Turn {
	msg, err := a.complete(ctx, "speak", prompt)
	if err != nil || strings.TrimSpace(msg) == "" {
		msg = fallback
	}
	turn := memory.Turn{Speaker: a.Name(), Topic: topic, Message: strings.TrimSpace(msg), Timestamp: time.Now()}
	a.conv.Add(turn)
	return turn
}

package evaluator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/nidhogg/campus-world/internal/agent"
)

// ErrOutputExists is returned when the result file exists and overwriting was
// not requested.
var ErrOutputExists = errors.New("output file already exists")

// Turn is one line of a recorded dialogue.
type Turn struct {
	Speaker string `json:"speaker"`
	Message string `json:"message"`
}

// Conversation is a recorded dialogue as written by the dialogue log sink.
type Conversation struct {
	ID              string `json:"id"`
	DialogueHistory []Turn `json:"dialogue_history"`
}

// Speakers returns the distinct speakers in order of first appearance.
func (c Conversation) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range c.DialogueHistory {
		if t.Speaker == "" || seen[t.Speaker] {
			continue
		}
		seen[t.Speaker] = true
		out = append(out, t.Speaker)
	}
	return out
}

// LoadConversations reads a file holding one conversation object or an array
// of them.
func LoadConversations(path string) ([]Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conversations: %w", err)
	}
	return ParseConversations(data)
}

// ParseConversations decodes one conversation object or an array of them.
func ParseConversations(data []byte) ([]Conversation, error) {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(data, []byte("{")):
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse conversation: %w", err)
		}
		return []Conversation{c}, nil
	case bytes.HasPrefix(data, []byte("[")):
		var cs []Conversation
		if err := json.Unmarshal(data, &cs); err != nil {
			return nil, fmt.Errorf("parse conversations: %w", err)
		}
		return cs, nil
	default:
		return nil, errors.New("parse conversations: root must be an object or an array")
	}
}

// LoadPersonaMap reads a JSON object mapping speaker names to personas.
func LoadPersonaMap(path string) (map[string]agent.Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona map: %w", err)
	}
	var m map[string]agent.Persona
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse persona map: %w", err)
	}
	for name, p := range m {
		if p.Name == "" {
			p.Name = name
			m[name] = p
		}
	}
	return m, nil
}

// SaveJSONL writes one result per line. An existing file is kept unless
// overwrite is set.
func SaveJSONL(results []ConversationResult, path string, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w (use --overwrite)", path, ErrOutputExists)
	}
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("write result: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}

func formatPersona(p agent.Persona) string {
	lines := []string{
		"姓名: " + orDefault(p.Name, "未知"),
		"人设: " + orDefault(p.Persona, "未定义"),
		"对话风格: " + orDefault(p.DialogueStyle, "未定义"),
	}
	if p.DailyHabits != "" {
		lines = append(lines, "日常习惯: "+string(p.DailyHabits))
	}
	return strings.Join(lines, "\n")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func turnLine(t Turn) string {
	return t.Speaker + "：" + t.Message + "\n"
}

// estimateTokens assumes roughly three characters per token.
func estimateTokens(s string) int {
	return len([]rune(s)) / 3
}

// TruncateDialogue keeps the newest turns that fit in maxInputTokens minus the
// reply reserve, in their original order.
func TruncateDialogue(turns []Turn, maxInputTokens int) []Turn {
	available := maxInputTokens - reservedTokens
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		n := estimateTokens(turnLine(turns[i]))
		if used+n > available {
			break
		}
		used += n
		start = i
	}
	return turns[start:]
}

// JudgePrompt builds the grading prompt for speaker.
func JudgePrompt(turns []Turn, speaker string, p agent.Persona, maxInputTokens int) string {
	var dialog strings.Builder
	for _, t := range TruncateDialogue(turns, maxInputTokens) {
		dialog.WriteString(turnLine(t))
	}
	names := make([]string, len(Criteria))
	for i, c := range Criteria {
		names[i] = c.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "你是一个对话质量评估专家。请评估角色「%s」在以下对话中的整体表现。\n", speaker)
	fmt.Fprintf(&b, "评估维度包括：%s。\n", strings.Join(names, "、"))
	b.WriteString("每个维度评分范围 0-10 分（10=完美符合，0=严重违背），并给出简要中文评语（1-30字）。\n")
	b.WriteString("请严格按以下 JSON 格式输出，不要任何额外内容（如解释、换行、备注）：\n{\n")
	for i, c := range Criteria {
		sep := ","
		if i == len(Criteria)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "  \"%s\": {\"score\": 8, \"comment\": \"%s\"}%s\n", c.Name, clip(c.Description, 20), sep)
	}
	b.WriteString("}\n\n人物人设如下：\n")
	b.WriteString(formatPersona(p))
	b.WriteString("\n\n对话上下文（可能已截断以适应模型输入限制）：\n")
	b.WriteString(dialog.String())
	fmt.Fprintf(&b, "请评估「%s」的整体表现：", speaker)
	return b.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

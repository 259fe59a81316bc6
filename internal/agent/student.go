package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/memory"
)

// Student is a learner agent.
type Student struct {
	*Agent
}

// NewStudent builds a student.
func NewStudent(p Persona, d Deps) *Student {
	s := &Student{Agent: newAgent(p, d)}
	s.student = s
	return s
}

func (s *Student) studentHeader() string {
	return fmt.Sprintf("你是%s，一个学生，人设：%s。", s.Name(), s.persona.Persona)
}

func learningContext(recs []memory.Record) string {
	if len(recs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("相关学习记忆：\n")
	for _, r := range recs {
		b.WriteString("- " + r.Content + "\n")
	}
	return memory.Truncate(b.String(), memory.DefaultContextTokens)
}

func recordIDs(recs []memory.Record) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

// AskQuestion phrases a question about topic for teacher.
func (s *Student) AskQuestion(ctx context.Context, teacher *Expert, topic, question string) (string, error) {
	related := s.mem.SearchByTopic(topic, 3)
	prompt := fmt.Sprintf(`%s
你想向%s老师询问关于"%s"的问题："%s"
%s
请以学生的身份提出问题，保持符合你的角色设定，并基于你已有的知识和记忆。`,
		s.studentHeader(), teacher.Name(), topic, question, learningContext(related))

	text, err := s.complete(ctx, "ask_question", prompt)
	if err != nil {
		text = "提问过程中出现错误: " + err.Error()
	}
	text = strings.TrimSpace(text)

	rec := memory.NewRecord(memory.TypeQuestionAsked, fmt.Sprintf("向%s询问了关于%s的问题", teacher.Name(), topic), map[string]any{
		"teacher":          teacher.Name(),
		"topic":            topic,
		"question":         text,
		"context_memories": recordIDs(related),
	}, 1.0)
	return text, s.Remember(ctx, rec)
}

// StudyTopic has the student study topic from materials.
func (s *Student) StudyTopic(ctx context.Context, topic string, materials []string) (string, error) {
	if materials == nil {
		materials = []string{}
	}
	related := s.mem.SearchByTopic(topic, 3)
	prompt := fmt.Sprintf(`%s
你正在学习"%s"这个主题。
学习材料：%s
%s
请描述你的学习过程和收获，保持符合你的角色设定，并将新知识与已有记忆联系起来。`,
		s.studentHeader(), topic, toJSON(materials), learningContext(related))

	result, err := s.complete(ctx, "study_topic", prompt)
	if err != nil {
		result = "学习过程中出现错误: " + err.Error()
	}
	result = strings.TrimSpace(result)

	rec := memory.NewRecord(memory.TypeStudying, fmt.Sprintf("学习了%s的内容", topic), map[string]any{
		"topic":            topic,
		"result":           result,
		"materials":        materials,
		"context_memories": recordIDs(related),
	}, 1.0)
	return result, s.Remember(ctx, rec)
}

// TakeExam answers every question from the student's topic memories. A
// failed call answers with a generic sentence about the topic.
func (s *Student) TakeExam(ctx context.Context, questions []Question) ([]Answer, error) {
	answers := make([]Answer, 0, len(questions))
	topics := make([]string, 0, len(questions))
	for i, q := range questions {
		topic := orDefault(q.Topic, knowledge.DefaultTopic)
		related := s.mem.SearchByTopic(topic, 5)
		prompt := fmt.Sprintf(`%s
请回答以下考试题目：
题目：%s
主题：%s
%s
请提供一个详细且准确的答案，保持符合你的角色设定，并基于你的学习记忆回答。`,
			s.studentHeader(), q.Question, topic, learningContext(related))

		text, err := s.complete(ctx, "take_exam", prompt)
		if err != nil || strings.TrimSpace(text) == "" {
			text = fmt.Sprintf("对于这个问题，我的回答是关于%s的内容。", topic)
		}
		answers = append(answers, Answer{QuestionIdx: i, Question: q.Question, Answer: strings.TrimSpace(text), Topic: topic})
		topics = append(topics, topic)
	}

	rec := memory.NewRecord(memory.TypeExamTaken, fmt.Sprintf("参加了考试，回答了%d道题", len(answers)), map[string]any{
		"answers":         answers,
		"question_topics": topics,
	}, 1.8)
	return answers, s.Remember(ctx, rec)
}

// HelpResult is a question put to the teacher and the reply.
type HelpResult struct {
	Question        string `json:"question"`
	TeacherResponse string `json:"teacher_response"`
}

// AskTeacherForHelp formulates a question about topic from the student's
// memories and has teacher answer it.
func (s *Student) AskTeacherForHelp(ctx context.Context, teacher *Expert, topic string) (HelpResult, error) {
	recent := s.mem.Recent(5, "")
	topical := s.mem.SearchByTopic(topic, 3)
	prompt := fmt.Sprintf(`%s
你对"%s"这个主题有疑问，需要向老师寻求帮助。
你的近期学习记忆：%s
关于%s的特定记忆：%s

请根据你的学习情况和人设，向老师提出一个具体的学习问题。`,
		s.studentHeader(), topic, toJSON(memory.Contents(recent, 200)), topic, toJSON(memory.Contents(topical, 200)))

	var out HelpResult
	question, err := s.complete(ctx, "ask_teacher_for_help", prompt)
	if err != nil || strings.TrimSpace(question) == "" {
		out = HelpResult{Question: fmt.Sprintf("我对%s有疑问", topic), TeacherResponse: "请求失败"}
	} else {
		out.Question = strings.TrimSpace(question)
		if out.TeacherResponse, err = teacher.AnswerQuestion(ctx, s, out.Question); err != nil {
			return HelpResult{}, err
		}
	}

	rec := memory.NewRecord(memory.TypeHelpRequest, fmt.Sprintf("向老师寻求关于%s的帮助", topic), map[string]any{
		"topic":            topic,
		"teacher":          teacher.Name(),
		"question":         out.Question,
		"teacher_response": out.TeacherResponse,
		"context_memories": recordIDs(recent),
	}, 1.3)
	return out, s.Remember(ctx, rec)
}

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/campus-world/internal/knowledge"
	"github.com/nidhogg/campus-world/internal/memory"
	"github.com/nidhogg/campus-world/internal/provider"
	"go.uber.org/zap"
)

// Expert is the teacher: an agent with a knowledge base and a curriculum.
type Expert struct {
	*Agent
	kb         *knowledge.Base
	curriculum *Curriculum
}

// NewExpert builds an expert. A nil kb gives an empty curriculum.
func NewExpert(p Persona, d Deps, kb *knowledge.Base) *Expert {
	e := &Expert{Agent: newAgent(p, d), kb: kb}
	var topics []string
	if kb != nil {
		topics = kb.AllTopics()
	}
	e.curriculum = NewCurriculum(topics)
	e.expert = e
	return e
}

// Knowledge returns the expert's knowledge base, possibly nil.
func (e *Expert) Knowledge() *knowledge.Base { return e.kb }

// Curriculum returns the teaching plan.
func (e *Expert) Curriculum() *Curriculum { return e.curriculum }

func (e *Expert) teacherHeader() string {
	return fmt.Sprintf("你是%s，一名专业教师，人设：%s。\n你的教学风格：%s。",
		e.Name(), e.persona.Persona, e.persona.DialogueStyle)
}

// topicRelevance grades how well the knowledge base covers topic.
func (e *Expert) topicRelevance(ctx context.Context, topic string) string {
	if e.kb == nil {
		return "低 (0.00)"
	}
	score := e.kb.Relevance(ctx, topic)
	level := "低"
	switch {
	case score > 0.7:
		level = "高"
	case score > 0.3:
		level = "中"
	}
	return fmt.Sprintf("%s (%.2f)", level, score)
}

func (e *Expert) topicItems(ctx context.Context, topic string, limit int) []knowledge.Item {
	if e.kb == nil {
		return nil
	}
	items := e.kb.GetByTopic(ctx, topic, limit)
	if len(items) == 0 {
		items = e.kb.Search(ctx, "", "", 1)
	}
	return items
}

// TeachResult is the outcome of one teaching session.
type TeachResult struct {
	Topic         string        `json:"topic"`
	Content       string        `json:"teaching_content"`
	StudentMemory memory.Record `json:"student_memory"`
}

// Teach gives one lesson to s. An empty topic takes the student's next
// curriculum topic. Both the expert and the student remember the lesson.
func (e *Expert) Teach(ctx context.Context, s *Student, topic string) (TeachResult, error) {
	if topic == "" {
		next, ok := e.curriculum.Next(s.Name())
		if !ok {
			next = knowledge.DefaultTopic
		}
		topic = next
	}

	prompt := fmt.Sprintf(`%s

你正在教授学生%s关于"%s"的知识。
相关知识内容：
%s

请提供清晰、专业的教学内容，使用启发式方法引导学生思考。`,
		e.teacherHeader(), s.Name(), topic, knowledge.FormatItems(e.topicItems(ctx, topic, 3), 1500))

	content, err := e.complete(ctx, "teach", prompt)
	if err != nil {
		content = "教学过程中出现错误: " + err.Error()
	}
	content = strings.TrimSpace(content)

	self := memory.NewRecord(memory.TypeTeaching, fmt.Sprintf("向%s教授了%s的相关知识", s.Name(), topic), map[string]any{
		"student": s.Name(),
		"topic":   topic,
		"content": content,
	}, 1.5)
	if err := e.Remember(ctx, self); err != nil {
		return TeachResult{}, err
	}

	learned := memory.NewRecord(memory.TypeLearnedFromTeacher, fmt.Sprintf("从%s那里学习了%s的相关知识", e.Name(), topic), map[string]any{
		"teacher": e.Name(),
		"topic":   topic,
		"content": content,
	}, 1.5)
	if err := s.Remember(ctx, learned); err != nil {
		return TeachResult{}, err
	}
	e.logger.Info("taught", zap.String("student", s.Name()), zap.String("topic", topic))
	return TeachResult{Topic: topic, Content: content, StudentMemory: learned}, nil
}

// TeachGroup teaches the same topic to each student independently.
func (e *Expert) TeachGroup(ctx context.Context, students []*Student, topic string) ([]TeachResult, error) {
	out := make([]TeachResult, 0, len(students))
	for _, s := range students {
		res, err := e.Teach(ctx, s, topic)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// AnswerQuestion answers s, grounded on the knowledge base and on the
// student's own memories of the question.
func (e *Expert) AnswerQuestion(ctx context.Context, s *Student, question string) (string, error) {
	var items []knowledge.Item
	if e.kb != nil {
		items = e.kb.Search(ctx, question, "", 3)
	}
	studentMems := s.Memory().Search(question, 3, "")

	prompt := fmt.Sprintf(`%s

学生%s提出了问题："%s"

知识库相关内容：
%s

该学生的相关学习记忆：
%s

请提供专业、准确的回答，结合你的知识库内容。`,
		e.teacherHeader(), s.Name(), question, knowledge.FormatItems(items, 1500), memory.FormatContext(studentMems))

	answer, err := e.complete(ctx, "answer_question", prompt)
	if err != nil {
		answer = "回答问题时出现错误: " + err.Error()
	}
	answer = strings.TrimSpace(answer)

	rec := memory.NewRecord(memory.TypeQuestionAnswer, fmt.Sprintf("回答了%s关于'%s...'的问题", s.Name(), memory.Clip(question, 30)), map[string]any{
		"student":  s.Name(),
		"question": question,
		"answer":   answer,
	}, 1.2)
	return answer, e.Remember(ctx, rec)
}

// CreateExam writes n questions, one per topic, cycling through the topics
// when there are fewer topics than questions. A failed generation falls back
// to a generic question for that topic only.
func (e *Expert) CreateExam(ctx context.Context, n int) []Question {
	topics := e.curriculum.Topics()
	if len(topics) == 0 || n <= 0 {
		return nil
	}
	selected := make([]string, 0, n)
	for i := range n {
		selected = append(selected, topics[i%len(topics)])
	}

	questions := make([]Question, 0, n)
	for _, topic := range selected {
		knowledgeText := "相关知识内容"
		if items := e.kb.GetByTopic(ctx, topic, 1); len(items) > 0 {
			knowledgeText = memory.Clip(items[0].Content, 2000)
		}
		prompt := fmt.Sprintf(`%s

基于以下关于"%s"的知识内容：
%s

请为学生创建一道关于"%s"的考试题目，并根据知识内容生成一个参考答案。
返回格式为JSON对象：
{
    "question": "问题内容",
    "type": "short_answer",
    "topic": "%s",
    "reference_answer": "参考答案"
}`, e.teacherHeader(), topic, knowledgeText, topic, topic)

		q := Question{Question: fmt.Sprintf("请简述关于%s的主要知识点", topic), Type: "short_answer", Topic: topic}
		if res, err := e.completeJSON(ctx, "create_exam", prompt); err == nil {
			if got, err := provider.Decode[Question](res); err == nil {
				q = got
				q.Topic = topic
				if q.Type == "" {
					q.Type = "short_answer"
				}
			} else {
				e.logger.Warn("fallback exam question", zap.String("topic", topic), zap.Error(err))
			}
		}
		questions = append(questions, q)
	}
	e.logger.Info("exam created", zap.Int("questions", len(questions)))
	return questions
}

// GradeExam scores each answer 0-10 with one call per question. A failed
// call scores that question 5 and a missing answer scores 0. The total is
// scaled to 0-100 over every question. The expert and the student both
// remember the result.
func (e *Expert) GradeExam(ctx context.Context, s *Student, answers []Answer, questions []Question) (Grade, error) {
	results := make([]GradeResult, 0, len(questions))
	var sum float64
	for i, q := range questions {
		var res GradeResult
		if i < len(answers) {
			res = e.gradeOne(ctx, i, answers[i], q)
		} else {
			res = GradeResult{QuestionIdx: i, Feedback: "未作答", Topic: orDefault(q.Topic, knowledge.DefaultTopic)}
		}
		sum += res.Score
		results = append(results, res)
	}

	grade := Grade{GradingResults: results, MaxScore: maxQuestionScore * float64(len(questions))}
	if grade.MaxScore > 0 {
		grade.TotalScore = sum / grade.MaxScore * 100
	}

	rec := memory.NewRecord(memory.TypeExamGrading, fmt.Sprintf("%s的考试成绩：%.1f分", s.Name(), grade.TotalScore), map[string]any{
		"student":         s.Name(),
		"total_score":     grade.TotalScore,
		"grading_results": results,
		"answers":         answers,
	}, 2.0)
	if err := e.Remember(ctx, rec); err != nil {
		return grade, err
	}

	result := memory.NewRecord(memory.TypeExamResult, fmt.Sprintf("考试成绩：%.1f分", grade.TotalScore), map[string]any{
		"teacher":         e.Name(),
		"total_score":     grade.TotalScore,
		"grading_results": results,
	}, 1.8)
	if err := s.Remember(ctx, result); err != nil {
		return grade, err
	}
	e.logger.Info("exam graded", zap.String("student", s.Name()), zap.Float64("score", grade.TotalScore))
	return grade, nil
}

func (e *Expert) gradeOne(ctx context.Context, idx int, a Answer, q Question) GradeResult {
	topic := orDefault(q.Topic, knowledge.DefaultTopic)
	prompt := fmt.Sprintf(`%s

请对学生的答案进行评分。

题目：%s
学生答案：%s
主题：%s
参考答案：%s
评分标准：
- 内容准确性 (0-4分)
- 回答完整性 (0-3分)
- 表达清晰度 (0-3分)

请提供评分和反馈，返回格式为JSON：
{
    "score": 0-10之间的分数,
    "feedback": "具体的评分反馈和建议",
    "topic": "%s"
}`, e.teacherHeader(), q.Question, a.Answer, topic, q.ReferenceAnswer, topic)

	out := GradeResult{QuestionIdx: idx, Score: defaultQuestionScore, Feedback: fmt.Sprintf("基于%s的回答评分", topic), Topic: topic}
	res, err := e.completeJSON(ctx, "grade_exam", prompt)
	if err != nil {
		return out
	}
	p, ok := res.(provider.Parsed)
	if !ok {
		return out
	}
	if score, ok := p.Float("score"); ok {
		out.Score = clampScore(score)
	}
	out.Feedback = orDefault(p.String("feedback"), "评分完成")
	return out
}

// TopicSnippet returns the first knowledge entry on topic as 【key】value
// lines, or "" when there is none.
func (e *Expert) TopicSnippet(ctx context.Context, topic string) string {
	if e.kb == nil {
		return ""
	}
	items := e.kb.GetByTopic(ctx, topic, 1)
	if len(items) == 0 {
		return ""
	}
	return items[0].Snippet()
}

// TeachDecision says whether the expert wants to teach right after a dialogue.
type TeachDecision struct {
	ShouldTeach bool   `json:"should_teach"`
	Reason      string `json:"reason"`
}

type teachReply struct {
	ShouldTeach *bool  `json:"should_teach"`
	Reason      string `json:"reason"`
}

func (r *teachReply) Validate() error {
	if r.ShouldTeach == nil {
		return fmt.Errorf("missing should_teach")
	}
	return nil
}

// DecideTeaching asks whether to teach students after a dialogue on topic,
// grounded on the dialogue text and both sides' recent memories.
func (e *Expert) DecideTeaching(ctx context.Context, students []*Student, dialogue, topic string) TeachDecision {
	names := make([]string, 0, len(students))
	var studentMems []memory.Record
	for _, s := range students {
		names = append(names, s.Name())
		studentMems = append(studentMems, s.Memory().Recent(2, "")...)
	}
	prompt := fmt.Sprintf(`%s

刚刚结束了一次关于"%s"的对话。
对话内容摘要：%s

参与对话的学生：%s

你的近期记忆：
%s
学生的近期记忆：
%s

基于对话内容和你的人设，判断你是否应该对学生进行教学。
返回一个JSON格式的决策：
{
    "should_teach": true/false,
    "reason": "简短的解释原因"
}`, e.teacherHeader(), topic, memory.Clip(dialogue, 200), strings.Join(names, "、"),
		memory.FormatContext(e.mem.Recent(3, "")), memory.FormatContext(head(studentMems, 3)))

	res, err := e.completeJSON(ctx, "decide_teaching", prompt)
	if err != nil {
		return TeachDecision{Reason: "处理决策时出错: " + err.Error()}
	}
	reply, err := provider.Decode[teachReply](res)
	if err != nil {
		return TeachDecision{ShouldTeach: len([]rune(dialogue)) > 10, Reason: "对话后教学的默认决策"}
	}
	return TeachDecision{ShouldTeach: *reply.ShouldTeach, Reason: reply.Reason}
}

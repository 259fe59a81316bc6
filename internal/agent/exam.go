package agent

import "errors"

// Question is one exam item.
type Question struct {
	Question        string `json:"question"`
	Type            string `json:"type"`
	Topic           string `json:"topic"`
	ReferenceAnswer string `json:"reference_answer,omitempty"`
}

// Validate requires the question text and a reference answer.
func (q *Question) Validate() error {
	if q.Question == "" {
		return errors.New("question is empty")
	}
	if q.ReferenceAnswer == "" {
		return errors.New("reference_answer is empty")
	}
	return nil
}

// Answer is a student's reply to one exam item.
type Answer struct {
	QuestionIdx int    `json:"question_idx"`
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	Topic       string `json:"topic"`
}

// GradeResult is the grade of one answer.
type GradeResult struct {
	QuestionIdx int     `json:"question_idx"`
	Score       float64 `json:"score"`
	Feedback    string  `json:"feedback"`
	Topic       string  `json:"topic"`
}

// Grade is the outcome of grading one exam attempt.
type Grade struct {
	TotalScore     float64       `json:"total_score"`
	GradingResults []GradeResult `json:"grading_results"`
	MaxScore       float64       `json:"max_score"`
}

const (
	maxQuestionScore     = 10.0
	defaultQuestionScore = 5.0
)

func clampScore(s float64) float64 {
	return min(max(s, 0), maxQuestionScore)
}

// Package evaluator grades how well each speaker in a recorded dialogue keeps
// to their persona, using an LLM as the judge.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/campus-world/internal/agent"
	"github.com/nidhogg/campus-world/internal/provider"
)

// Result statuses.
const (
	StatusSuccess          = "success"
	StatusAPIError         = "api_error"
	StatusEmptyOutput      = "empty_output"
	StatusValidationFailed = "validation_failed"
	StatusAllRetriesFailed = "all_retries_failed"
)

// reservedTokens is kept free for the judge's reply.
const reservedTokens = 1024

// Criterion is one grading dimension.
type Criterion struct {
	Name        string
	Description string
}

// Criteria are the dimensions every speaker is graded on, in prompt order.
var Criteria = []Criterion{
	{"关键信息记忆准确性", "多轮对话中，对用户提及的核心信息（姓名 / 需求 / 偏好 / 历史约定）记忆无偏差、无遗漏"},
	{"无虚假记忆与混淆", "不编造未提及的信息，不混淆不同用户 / 不同时段的记忆"},
	{"人设特质跨轮稳定性", "多轮对话中，核心特质始终统一，无前后矛盾"},
	{"跨场景人设适配连贯性", "多轮切换场景时，人设特质不变，仅做场景适配"},
	{"语言风格跨轮统一性", "多轮对话的词汇、句式、语气助词使用长期统一"},
	{"情感基调跨轮稳定性", "多轮对话的情感倾向、强度始终与人设匹配"},
}

// Score is the grade for one criterion. Failed evaluations carry -1.
type Score struct {
	Score   float64 `json:"score"`
	Comment string  `json:"comment"`
}

// SpeakerResult is the evaluation of one speaker.
type SpeakerResult struct {
	DetailedEvaluation map[string]Score `json:"detailed_evaluation"`
	RawOutput          string           `json:"raw_output"`
	Status             string           `json:"status"`
}

// ConversationResult groups the speaker evaluations of one conversation.
type ConversationResult struct {
	ConversationID         string                   `json:"conversation_id"`
	SpeakerEvaluations     map[string]SpeakerResult `json:"speaker_evaluations"`
	TotalEvaluatedSpeakers int                      `json:"total_evaluated_speakers"`
}

// Summary counts evaluated speakers by outcome.
type Summary struct {
	Conversations int
	Speakers      int
	Succeeded     int
}

// Failed is the number of speakers whose evaluation did not succeed.
func (s Summary) Failed() int { return s.Speakers - s.Succeeded }

// Summarize tallies results.
func Summarize(results []ConversationResult) Summary {
	s := Summary{Conversations: len(results)}
	for _, r := range results {
		s.Speakers += r.TotalEvaluatedSpeakers
		for _, ev := range r.SpeakerEvaluations {
			if ev.Status == StatusSuccess {
				s.Succeeded++
			}
		}
	}
	return s
}

// ChatRouter sends a chat request to an LLM. *provider.Router implements it.
type ChatRouter interface {
	Route(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Options tune the evaluator.
type Options struct {
	Model          string
	MaxInputTokens int
	RetryTimes     int
	BaseSleep      time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxInputTokens <= 0 {
		o.MaxInputTokens = 16000
	}
	if o.RetryTimes <= 0 {
		o.RetryTimes = 3
	}
	if o.BaseSleep <= 0 {
		o.BaseSleep = 500 * time.Millisecond
	}
}

// Evaluator grades speakers against their personas.
type Evaluator struct {
	llm    ChatRouter
	opts   Options
	logger *zap.Logger
}

// New creates an evaluator.
func New(llm ChatRouter, opts Options, logger *zap.Logger) *Evaluator {
	opts.setDefaults()
	return &Evaluator{llm: llm, opts: opts, logger: logger}
}

// Evaluate grades every speaker with a persona in every conversation.
// Conversations without turns or speakers are skipped.
func (e *Evaluator) Evaluate(ctx context.Context, convs []Conversation, personas map[string]agent.Persona) ([]ConversationResult, error) {
	var results []ConversationResult
	for i, conv := range convs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		id := conv.ID
		if id == "" {
			id = fmt.Sprintf("conv_%d", i)
		}
		if len(conv.DialogueHistory) == 0 {
			e.logger.Warn("conversation has no dialogue history, skipping", zap.String("conversation", id))
			continue
		}
		speakers := conv.Speakers()
		if len(speakers) == 0 {
			e.logger.Warn("conversation has no speakers, skipping", zap.String("conversation", id))
			continue
		}

		evals := make(map[string]SpeakerResult)
		for _, speaker := range speakers {
			p, ok := personas[speaker]
			if !ok {
				e.logger.Warn("speaker has no persona, skipping", zap.String("speaker", speaker))
				continue
			}
			e.logger.Info("evaluating speaker", zap.String("conversation", id), zap.String("speaker", speaker))
			res := e.EvaluateSpeaker(ctx, JudgePrompt(conv.DialogueHistory, speaker, p, e.opts.MaxInputTokens))
			evals[speaker] = res
			if res.Status == StatusSuccess {
				if err := sleep(ctx, e.opts.BaseSleep); err != nil {
					return results, err
				}
			}
		}
		results = append(results, ConversationResult{
			ConversationID:         id,
			SpeakerEvaluations:     evals,
			TotalEvaluatedSpeakers: len(evals),
		})
	}
	return results, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EvaluateSpeaker sends one judge prompt, retrying with exponential backoff.
// When every attempt fails the result carries the last attempt's status.
func (e *Evaluator) EvaluateSpeaker(ctx context.Context, prompt string) SpeakerResult {
	var last SpeakerResult
	op := func() (SpeakerResult, error) {
		resp, err := e.llm.Route(ctx, &provider.ChatRequest{
			Model:       e.opts.Model,
			Messages:    []provider.Message{{Role: "user", Content: prompt}},
			Temperature: 0.2,
			MaxTokens:   1024,
			TopP:        0.9,
		})
		if err != nil {
			last = failed(StatusAPIError, "API响应错误: "+err.Error(), "")
			return SpeakerResult{}, err
		}
		generated := strings.TrimSpace(resp.Content)
		if generated == "" {
			last = failed(StatusEmptyOutput, "API返回空内容", "")
			return SpeakerResult{}, errors.New("empty output")
		}
		j, err := provider.Decode[judgement](provider.Classify(generated))
		if err != nil {
			e.logger.Warn("judgement rejected", zap.Error(err), zap.String("raw", generated))
			last = failed(StatusValidationFailed, "评估结果格式验证失败", generated)
			return SpeakerResult{}, err
		}
		return SpeakerResult{DetailedEvaluation: j.scores(), RawOutput: generated, Status: StatusSuccess}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BaseSleep
	b.Multiplier = 2
	b.RandomizationFactor = 0

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.opts.RetryTimes)),
		backoff.WithNotify(func(err error, d time.Duration) {
			e.logger.Warn("evaluation attempt failed, retrying", zap.Error(err), zap.Duration("backoff", d))
		}),
	)
	if err == nil {
		return res
	}
	if last.Status != "" {
		return last
	}
	e.logger.Error("all evaluation attempts failed", zap.Int("tries", e.opts.RetryTimes), zap.Error(err))
	return failed(StatusAllRetriesFailed, "[评估失败] 未知错误", "")
}

func failed(status, comment, raw string) SpeakerResult {
	scores := make(map[string]Score, len(Criteria))
	for _, c := range Criteria {
		scores[c.Name] = Score{Score: -1, Comment: comment}
	}
	return SpeakerResult{DetailedEvaluation: scores, RawOutput: raw, Status: status}
}

type judgedScore struct {
	Score   *float64 `json:"score"`
	Comment *string  `json:"comment"`
}

type judgement map[string]judgedScore

func (j *judgement) Validate() error {
	for _, c := range Criteria {
		s, ok := (*j)[c.Name]
		if !ok {
			return fmt.Errorf("missing criterion %s", c.Name)
		}
		if s.Score == nil || s.Comment == nil {
			return fmt.Errorf("criterion %s: score and comment are required", c.Name)
		}
		if *s.Score < 0 || *s.Score > 10 {
			return fmt.Errorf("criterion %s: score %v out of range", c.Name, *s.Score)
		}
		if strings.TrimSpace(*s.Comment) == "" {
			return fmt.Errorf("criterion %s: empty comment", c.Name)
		}
	}
	return nil
}

func (j judgement) scores() map[string]Score {
	out := make(map[string]Score, len(Criteria))
	for _, c := range Criteria {
		s := j[c.Name]
		out[c.Name] = Score{Score: *s.Score, Comment: strings.TrimSpace(*s.Comment)}
	}
	return out
}

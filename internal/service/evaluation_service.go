package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/windfall/echotutor_service/internal/metrics"
)

// Notes carried in grammarIssues when the evaluation is degraded.
const (
	NoteMissingCredentials = "API Key not configured."
	NoteProviderError      = "Error calling AI service."
	NoteMalformedResponse  = "AI response could not be parsed."

	feedbackUnavailable = "AI evaluation unavailable."
)

const evaluationSystemPrompt = `You are an expert English tutor evaluating a learner's spoken English.
The text you receive is raw speech-recognition output: it is lowercase and has no punctuation.
Rules:
- Never comment on capitalization, punctuation, or spelling of the transcript.
- Only flag vocabulary, verb tense, preposition, and sentence-structure problems.
- If the transcript looks garbled or unintelligible, say so in pronunciationFeedback, since it usually means the learner was hard to understand.
Respond with exactly one JSON object and nothing else, using these keys:
- "score": number from 0 to 100
- "grammarIssues": array of strings, empty when there are none
- "pronunciationFeedback": array of short strings
- "correction": string, the natural and correct version of what the learner said`

// Grammar issues citing these are recognizer artifacts, not learner mistakes.
var punctuationIssuePattern = regexp.MustCompile(`(?i)\b(punctuat\w*|capitali[sz]\w*|capital letters?|upper-?case|lower-?case|comma|full stop|question mark|apostrophe|exclamation mark|(missing|add|no|needs?)\s+(an?\s+|the\s+)?period)\b`)

// JSONCompleter is a chat model that answers in JSON mode.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// EvaluationResult is the linguistic critique of one transcript.
type EvaluationResult struct {
	Score                 int      `json:"score"`
	GrammarIssues         []string `json:"grammarIssues"`
	PronunciationFeedback []string `json:"pronunciationFeedback"`
	Correction            string   `json:"correction"`
}

// DegradedEvaluation is substituted whenever the provider cannot be used.
func DegradedEvaluation(transcript, note string) EvaluationResult {
	return EvaluationResult{
		Score:                 0,
		GrammarIssues:         []string{note},
		PronunciationFeedback: []string{feedbackUnavailable},
		Correction:            transcript,
	}
}

// EvaluationService asks a language model to critique a transcript.
type EvaluationService struct {
	completer JSONCompleter
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewEvaluationService creates a new evaluation service. A nil completer means
// credentials are missing; every call then returns a degraded result.
func NewEvaluationService(completer JSONCompleter, m *metrics.Metrics, log zerolog.Logger) *EvaluationService {
	if completer == nil {
		log.Warn().Msg("Evaluation provider not configured, results will be degraded")
	}
	return &EvaluationService{
		completer: completer,
		metrics:   m,
		log:       log,
	}
}

// Evaluate never fails; provider problems come back as a degraded result.
func (s *EvaluationService) Evaluate(ctx context.Context, transcript string) EvaluationResult {
	if s.completer == nil {
		s.metrics.RecordEvaluationDegraded("credentials")
		return DegradedEvaluation(transcript, NoteMissingCredentials)
	}

	content, err := s.completer.CompleteJSON(ctx, evaluationSystemPrompt, fmt.Sprintf("Transcription: %q", transcript))
	if err != nil {
		s.log.Error().Err(err).Msg("Evaluation provider call failed")
		s.metrics.RecordEvaluationDegraded("provider")
		return DegradedEvaluation(transcript, NoteProviderError)
	}

	result, err := parseEvaluation(content)
	if err != nil {
		s.log.Error().Err(err).Str("raw_response", content).Msg("Failed to parse evaluation response")
		s.metrics.RecordEvaluationDegraded("parse")
		return DegradedEvaluation(transcript, NoteMalformedResponse)
	}
	return result
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*l = nil
		} else {
			*l = []string{s}
		}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}

type evaluationPayload struct {
	Score                 *float64   `json:"score"`
	GrammarIssues         stringList `json:"grammarIssues"`
	PronunciationFeedback stringList `json:"pronunciationFeedback"`
	Correction            *string    `json:"correction"`
}

func parseEvaluation(content string) (EvaluationResult, error) {
	cleaned := stripCodeFence(content)

	var payload evaluationPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return EvaluationResult{}, fmt.Errorf("decode evaluation: %w", err)
	}
	if payload.Score == nil {
		return EvaluationResult{}, fmt.Errorf("evaluation missing score")
	}
	if payload.Correction == nil {
		return EvaluationResult{}, fmt.Errorf("evaluation missing correction")
	}

	return EvaluationResult{
		Score:                 clampScore(*payload.Score),
		GrammarIssues:         filterGrammarIssues(payload.GrammarIssues),
		PronunciationFeedback: nonEmpty(payload.PronunciationFeedback),
		Correction:            *payload.Correction,
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

// filterGrammarIssues drops issues about punctuation or casing.
func filterGrammarIssues(issues []string) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		if strings.TrimSpace(issue) == "" || punctuationIssuePattern.MatchString(issue) {
			continue
		}
		out = append(out, issue)
	}
	return out
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			out = append(out, item)
		}
	}
	return out
}

package service

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/windfall/echotutor_service/internal/client"
	"github.com/windfall/echotutor_service/internal/config"
	"github.com/windfall/echotutor_service/internal/errors"
	"github.com/windfall/echotutor_service/internal/metrics"
	"github.com/windfall/echotutor_service/internal/tempfile"
)

// ScoringFailedTranscript stands in for the transcript when scoring failed and
// the placeholder policy is active.
const ScoringFailedTranscript = "(No transcript available: pronunciation assessment failed)"

var uploadExtPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

// Transcoder normalizes uploaded audio.
type Transcoder interface {
	Transcode(ctx context.Context, audio []byte, inputPath, outputPath string) error
}

// Scorer runs the pronunciation assessment.
type Scorer interface {
	Assess(ctx context.Context, audioPath, referenceText string) client.ScoringResult
}

// Transcriber produces a best-effort transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) string
}

// Evaluator critiques a transcript.
type Evaluator interface {
	Evaluate(ctx context.Context, transcript string) EvaluationResult
}

// AudioPayload is one uploaded recording.
type AudioPayload struct {
	Data          []byte
	Filename      string
	ReferenceText string
}

// PipelineResult is the combined assessment returned to the caller.
type PipelineResult struct {
	Transcript string               `json:"transcript"`
	Scoring    client.ScoringResult `json:"scoring"`
	Evaluation EvaluationResult     `json:"evaluation"`
}

// PipelineConfig holds pipeline policy.
type PipelineConfig struct {
	TempDir            string
	TranscriptFallback string
}

// PipelineService sequences normalization, scoring, transcript resolution and
// evaluation for one recording at a time. It holds no per-request state, so
// one instance serves concurrent requests.
type PipelineService struct {
	transcoder  Transcoder
	scorer      Scorer
	transcriber Transcriber
	evaluator   Evaluator
	cfg         PipelineConfig
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// NewPipelineService creates a new pipeline service.
func NewPipelineService(
	transcoder Transcoder,
	scorer Scorer,
	transcriber Transcriber,
	evaluator Evaluator,
	cfg PipelineConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) *PipelineService {
	if cfg.TranscriptFallback == "" {
		cfg.TranscriptFallback = config.FallbackPlaceholder
	}
	return &PipelineService{
		transcoder:  transcoder,
		scorer:      scorer,
		transcriber: transcriber,
		evaluator:   evaluator,
		cfg:         cfg,
		metrics:     m,
		log:         log,
	}
}

// Process runs the full pipeline. Every temp file it creates is removed before
// it returns. Only normalization failures and unexpected faults are returned as
// errors; scoring and provider problems are carried inside the result.
func (s *PipelineService) Process(ctx context.Context, payload AudioPayload) (result *PipelineResult, err error) {
	files := tempfile.New(s.cfg.TempDir, s.log)
	log := s.log.With().Str("run", files.Prefix()).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Pipeline panicked")
			result, err = nil, errors.Pipeline("unexpected pipeline failure", fmt.Errorf("panic: %v", r))
		}
		s.metrics.AddCleanupFailures(files.Cleanup())
		if err != nil {
			s.metrics.RecordRun(metrics.OutcomeFailed)
			return
		}
		s.metrics.RecordRun(metrics.OutcomeReturned)
	}()

	inputPath := files.Path("input" + uploadExt(payload.Filename))
	wavPath := files.Path("normalized.wav")

	log.Info().
		Str("filename", payload.Filename).
		Int("bytes", len(payload.Data)).
		Bool("has_reference", payload.ReferenceText != "").
		Msg("Processing audio")

	start := time.Now()
	if err := s.transcoder.Transcode(ctx, payload.Data, inputPath, wavPath); err != nil {
		log.Error().Err(err).Msg("Audio normalization failed")
		return nil, errors.Pipeline("audio normalization failed", err)
	}
	s.metrics.ObserveStage(metrics.StageTranscode, time.Since(start))

	start = time.Now()
	scoring := s.scorer.Assess(ctx, wavPath, payload.ReferenceText)
	s.metrics.ObserveStage(metrics.StageScore, time.Since(start))
	s.metrics.RecordScoring(string(scoring.Reason))

	transcript := s.resolveTranscript(ctx, log, scoring, wavPath)

	start = time.Now()
	evaluation := s.evaluator.Evaluate(ctx, transcript)
	s.metrics.ObserveStage(metrics.StageEvaluate, time.Since(start))

	log.Info().
		Str("scoring_status", string(scoring.Status)).
		Str("scoring_reason", string(scoring.Reason)).
		Int("score", evaluation.Score).
		Msg("Audio processed")

	return &PipelineResult{
		Transcript: transcript,
		Scoring:    scoring,
		Evaluation: evaluation,
	}, nil
}

func (s *PipelineService) resolveTranscript(ctx context.Context, log zerolog.Logger, scoring client.ScoringResult, wavPath string) string {
	if scoring.Succeeded() {
		return scoring.RecognizedText
	}

	log.Warn().
		Str("message", scoring.Message).
		Str("policy", s.cfg.TranscriptFallback).
		Msg("Scoring failed, resolving transcript by fallback policy")
	s.metrics.RecordTranscriptFallback(s.cfg.TranscriptFallback)

	if s.cfg.TranscriptFallback != config.FallbackTranscribe || s.transcriber == nil {
		return ScoringFailedTranscript
	}

	start := time.Now()
	transcript := s.transcriber.Transcribe(ctx, wavPath)
	s.metrics.ObserveStage(metrics.StageTranscribe, time.Since(start))
	return transcript
}

// uploadExt keeps a short alphanumeric extension from the client filename so
// ffmpeg can use it as a format hint.
func uploadExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if !uploadExtPattern.MatchString(ext) {
		return ".bin"
	}
	return ext
}

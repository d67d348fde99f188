package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ScoringStatus tags the ScoringResult variant.
type ScoringStatus string

const (
	ScoringStatusSuccess ScoringStatus = "success"
	ScoringStatusError   ScoringStatus = "error"
)

// ScoringReason records which path resolved an assessment.
type ScoringReason string

const (
	ReasonEarly       ScoringReason = "early"
	ReasonExit        ScoringReason = "exit"
	ReasonEngineError ScoringReason = "engine_error"
	ReasonExitCode    ScoringReason = "exit_code"
	ReasonParse       ScoringReason = "parse"
	ReasonTimeout     ScoringReason = "timeout"
	ReasonSpawn       ScoringReason = "spawn"
	ReasonCancelled   ScoringReason = "cancelled"
)

const (
	msgScoringTimeout    = "Scoring service timed out. The first run might be downloading the model."
	detailScoringTimeout = "Check server logs for download progress."
	msgRuntimeNotFound   = "Scoring runtime not found or failed to start."
	msgExecutionFailed   = "Scoring engine execution failed."
	msgInvalidOutput     = "Invalid output from scoring engine."
	msgEngineError       = "Scoring engine reported an error."
	msgScoringCancelled  = "Scoring was cancelled before the engine finished."

	defaultScoringTimeout = 120 * time.Second
	defaultKillGrace      = 2 * time.Second
)

// TokenDetail is one scored symbol of the recognized text.
type TokenDetail struct {
	Symbol   string  `json:"symbol"`
	Score    float64 `json:"score"`
	Position int     `json:"position"`
}

// ScoringResult is either a successful assessment or a failure carried as data.
// Status selects the variant; only the fields of that variant are serialized.
type ScoringResult struct {
	Status ScoringStatus

	// Success
	RecognizedText     string
	ConfidenceScore    float64
	TokenDetails       []TokenDetail
	ProcessingTimeMs   float64
	PronunciationScore *float64
	ProsodyScore       *float64

	// Failure (Details is also used for the engine's success commentary)
	Message string
	Details string

	Reason ScoringReason
}

// Succeeded reports whether r is the success variant.
func (r ScoringResult) Succeeded() bool {
	return r.Status == ScoringStatusSuccess
}

// NewScoringFailure builds the failure variant.
func NewScoringFailure(reason ScoringReason, message, details string) ScoringResult {
	return ScoringResult{
		Status:  ScoringStatusError,
		Message: message,
		Details: details,
		Reason:  reason,
	}
}

type scoringSuccessJSON struct {
	Status             ScoringStatus `json:"status"`
	RecognizedText     string        `json:"recognized_text"`
	ConfidenceScore    float64       `json:"confidence_score"`
	TokenDetails       []TokenDetail `json:"token_details"`
	ProcessingTimeMs   float64       `json:"processing_time_ms"`
	PronunciationScore *float64      `json:"pronunciation_score,omitempty"`
	ProsodyScore       *float64      `json:"prosody_score,omitempty"`
	Details            string        `json:"details,omitempty"`
}

type scoringFailureJSON struct {
	Status  ScoringStatus `json:"status"`
	Message string        `json:"message"`
	Details string        `json:"details"`
}

// MarshalJSON emits only the fields of the active variant.
func (r ScoringResult) MarshalJSON() ([]byte, error) {
	if r.Succeeded() {
		tokens := r.TokenDetails
		if tokens == nil {
			tokens = []TokenDetail{}
		}
		return json.Marshal(scoringSuccessJSON{
			Status:             ScoringStatusSuccess,
			RecognizedText:     r.RecognizedText,
			ConfidenceScore:    r.ConfidenceScore,
			TokenDetails:       tokens,
			ProcessingTimeMs:   r.ProcessingTimeMs,
			PronunciationScore: r.PronunciationScore,
			ProsodyScore:       r.ProsodyScore,
			Details:            r.Details,
		})
	}
	return json.Marshal(scoringFailureJSON{
		Status:  ScoringStatusError,
		Message: r.Message,
		Details: r.Details,
	})
}

// ScoringConfig configures the external scoring engine invocation.
type ScoringConfig struct {
	// Command is the executable, e.g. "python".
	Command string
	// Script is passed as the first argument when non-empty.
	Script string
	// ReferenceFlag precedes the reference text; when empty the text is positional.
	ReferenceFlag string
	Timeout       time.Duration
	// KillGrace bounds how long Wait may block on pipes after the process is gone.
	KillGrace time.Duration
}

// ScoringClient runs the pronunciation scoring engine as a fresh child process per call.
type ScoringClient struct {
	cfg ScoringConfig
	log zerolog.Logger
}

// NewScoringClient creates a new scoring client.
func NewScoringClient(cfg ScoringConfig, log zerolog.Logger) *ScoringClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultScoringTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	return &ScoringClient{
		cfg: cfg,
		log: log.With().Str("component", "scoring").Logger(),
	}
}

// Assess scores one normalized audio file. It never fails: spawn errors,
// engine errors, bad output, timeouts and cancellation all come back as the
// failure variant. The child process is terminated and reaped before Assess
// returns.
func (c *ScoringClient) Assess(ctx context.Context, audioPath, referenceText string) ScoringResult {
	start := time.Now()
	log := c.log.With().Str("audio", filepath.Base(audioPath)).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.cfg.Command, c.args(audioPath, referenceText)...) //nolint:gosec
	configureProcess(cmd)
	cmd.WaitDelay = c.cfg.KillGrace

	slot := newOutcome()
	stdout := newResultStream(func(env engineEnvelope) {
		if slot.resolve(env.result(ReasonEarly, time.Since(start))) {
			log.Info().Msg("Scoring result parsed before process exit, terminating engine")
		}
	})
	stderr := newLineForwarder(log)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("command", c.cfg.Command).Msg("Failed to spawn scoring engine")
		return NewScoringFailure(ReasonSpawn, msgRuntimeNotFound, err.Error())
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("Scoring engine started")

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		waitErr := cmd.Wait()
		stderr.Flush()
		if ctx.Err() != nil {
			slot.resolve(NewScoringFailure(ReasonCancelled, msgScoringCancelled, ctx.Err().Error()))
			return
		}
		slot.resolve(c.exitResult(log, waitErr, stdout.Bytes(), stderr.String(), time.Since(start)))
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	var result ScoringResult
	select {
	case result = <-slot.ch:
	case <-timer.C:
		if slot.resolve(NewScoringFailure(ReasonTimeout, msgScoringTimeout, detailScoringTimeout)) {
			log.Error().Dur("timeout", c.cfg.Timeout).Msg("Scoring engine timed out, killing process")
		}
		result = <-slot.ch
	case <-ctx.Done():
		slot.resolve(NewScoringFailure(ReasonCancelled, msgScoringCancelled, ctx.Err().Error()))
		result = <-slot.ch
	}

	cancel()
	<-exited

	log.Info().
		Str("status", string(result.Status)).
		Str("reason", string(result.Reason)).
		Dur("elapsed", time.Since(start)).
		Msg("Scoring finished")

	return result
}

func (c *ScoringClient) args(audioPath, referenceText string) []string {
	args := make([]string, 0, 5)
	if c.cfg.Script != "" {
		args = append(args, c.cfg.Script)
	}
	args = append(args, "--audio", audioPath)
	if ref := strings.TrimSpace(referenceText); ref != "" {
		if c.cfg.ReferenceFlag != "" {
			args = append(args, c.cfg.ReferenceFlag)
		}
		args = append(args, ref)
	}
	return args
}

// exitResult maps a natural process exit to a result.
func (c *ScoringClient) exitResult(log zerolog.Logger, waitErr error, stdout []byte, stderr string, elapsed time.Duration) ScoringResult {
	// The engine exited cleanly but left a descendant holding its pipes.
	if stderrors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if stderrors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		log.Error().Err(waitErr).Int("exit_code", code).Msg("Scoring engine exited with error")

		details := strings.TrimSpace(stderr)
		if details == "" {
			details = "Unknown error"
		}
		return NewScoringFailure(ReasonExitCode, msgExecutionFailed, details)
	}

	env, err := decodeEnvelope(stdout)
	if err != nil {
		log.Error().Err(err).Int("stdout_bytes", len(stdout)).Msg("Failed to parse scoring engine output")
		return NewScoringFailure(ReasonParse, msgInvalidOutput, string(stdout))
	}
	return env.result(ReasonExit, elapsed)
}

// outcome is a single-assignment result slot. The first resolve wins; later
// calls are no-ops.
type outcome struct {
	once sync.Once
	ch   chan ScoringResult
}

func newOutcome() *outcome {
	return &outcome{ch: make(chan ScoringResult, 1)}
}

func (o *outcome) resolve(r ScoringResult) (won bool) {
	o.once.Do(func() {
		o.ch <- r
		won = true
	})
	return won
}

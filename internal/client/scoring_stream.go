package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxEngineOutput  = 4 << 20
	maxStderrCapture = 64 << 10
)

// engineEnvelope is the JSON object the scoring engine prints on stdout.
type engineEnvelope struct {
	Status             string          `json:"status"`
	RecognizedText     *string         `json:"recognized_text"`
	ConfidenceScore    *float64        `json:"confidence_score"`
	TokenDetails       []engineToken   `json:"token_details"`
	ProcessingTimeMs   *float64        `json:"processing_time_ms"`
	PronunciationScore *float64        `json:"pronunciation_score"`
	ProsodyScore       *float64        `json:"prosody_score"`
	Message            string          `json:"message"`
	Details            json.RawMessage `json:"details"`
}

// engineToken accepts both the engine's char/step names and symbol/position.
type engineToken struct {
	Char     string  `json:"char"`
	Symbol   string  `json:"symbol"`
	Score    float64 `json:"score"`
	Step     *int    `json:"step"`
	Position *int    `json:"position"`
}

// complete reports whether the envelope is a definitive engine answer.
func (e engineEnvelope) complete() bool {
	return e.Status != "" && (e.RecognizedText != nil || e.Message != "")
}

func (e engineEnvelope) details() string {
	if len(e.Details) == 0 || string(e.Details) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Details, &s); err == nil {
		return s
	}
	return string(e.Details)
}

func (e engineEnvelope) result(reason ScoringReason, elapsed time.Duration) ScoringResult {
	if e.Status == string(ScoringStatusError) {
		msg := e.Message
		if msg == "" {
			msg = msgEngineError
		}
		return NewScoringFailure(ReasonEngineError, msg, e.details())
	}
	if e.RecognizedText == nil {
		return NewScoringFailure(ReasonParse, msgInvalidOutput, fmt.Sprintf("engine status %q without recognized_text", e.Status))
	}

	r := ScoringResult{
		Status:             ScoringStatusSuccess,
		RecognizedText:     *e.RecognizedText,
		PronunciationScore: e.PronunciationScore,
		ProsodyScore:       e.ProsodyScore,
		Details:            e.details(),
		Reason:             reason,
	}
	switch {
	case e.ConfidenceScore != nil:
		r.ConfidenceScore = *e.ConfidenceScore
	case e.PronunciationScore != nil:
		r.ConfidenceScore = *e.PronunciationScore
	}
	if e.ProcessingTimeMs != nil {
		r.ProcessingTimeMs = *e.ProcessingTimeMs
	} else {
		r.ProcessingTimeMs = float64(elapsed.Milliseconds())
	}

	r.TokenDetails = make([]TokenDetail, 0, len(e.TokenDetails))
	for i, tok := range e.TokenDetails {
		d := TokenDetail{Symbol: tok.Symbol, Score: tok.Score, Position: i}
		if d.Symbol == "" {
			d.Symbol = tok.Char
		}
		switch {
		case tok.Position != nil:
			d.Position = *tok.Position
		case tok.Step != nil:
			d.Position = *tok.Step
		}
		r.TokenDetails = append(r.TokenDetails, d)
	}
	return r
}

// decodeEnvelope parses the whole buffer, retrying from the first '{' so that
// stray text printed ahead of the JSON object does not spoil the result.
func decodeEnvelope(buf []byte) (engineEnvelope, error) {
	var env engineEnvelope
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 {
		return env, fmt.Errorf("empty engine output")
	}
	err := json.Unmarshal(trimmed, &env)
	if err == nil {
		return env, nil
	}
	if i := bytes.IndexByte(trimmed, '{'); i > 0 {
		env = engineEnvelope{}
		if retryErr := json.Unmarshal(trimmed[i:], &env); retryErr == nil {
			return env, nil
		}
	}
	return engineEnvelope{}, err
}

// resultStream accumulates engine stdout and reports the first complete
// envelope. A parse is attempted only when the trimmed buffer ends with '}'.
type resultStream struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	done       bool
	onComplete func(engineEnvelope)
}

func newResultStream(onComplete func(engineEnvelope)) *resultStream {
	return &resultStream{onComplete: onComplete}
}

// Write implements io.Writer.
func (s *resultStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := maxEngineOutput - s.buf.Len(); room > 0 {
		if len(p) > room {
			s.buf.Write(p[:room])
		} else {
			s.buf.Write(p)
		}
	}
	if s.done {
		return len(p), nil
	}

	if !bytes.HasSuffix(bytes.TrimSpace(s.buf.Bytes()), []byte("}")) {
		return len(p), nil
	}
	env, err := decodeEnvelope(s.buf.Bytes())
	if err != nil || !env.complete() {
		return len(p), nil
	}
	s.done = true
	if s.onComplete != nil {
		s.onComplete(env)
	}
	return len(p), nil
}

// Bytes returns a copy of everything written so far.
func (s *resultStream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// lineForwarder logs engine stderr line by line and keeps a capped copy for
// failure details.
type lineForwarder struct {
	mu       sync.Mutex
	log      zerolog.Logger
	pending  []byte
	captured strings.Builder
}

func newLineForwarder(log zerolog.Logger) *lineForwarder {
	return &lineForwarder{log: log}
}

// Write implements io.Writer.
func (f *lineForwarder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if room := maxStderrCapture - f.captured.Len(); room > 0 {
		if len(p) > room {
			f.captured.Write(p[:room])
		} else {
			f.captured.Write(p)
		}
	}

	f.pending = append(f.pending, p...)
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		f.emit(f.pending[:i])
		f.pending = f.pending[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (f *lineForwarder) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(f.pending)
	f.pending = nil
}

// String returns the captured stderr.
func (f *lineForwarder) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captured.String()
}

func (f *lineForwarder) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	f.log.Info().Str("source", "scoring_engine").Msg(text)
}

//go:build unix

package client

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/windfall/echotutor_service/internal/logger"
)

// writeEngine writes a fake scoring engine shell script and returns its path.
func writeEngine(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write engine stub: %v", err)
	}
	return path
}

func newTestScoringClient(command string, timeout time.Duration) *ScoringClient {
	return NewScoringClient(ScoringConfig{
		Command:       command,
		ReferenceFlag: "--ref_text",
		Timeout:       timeout,
		KillGrace:     500 * time.Millisecond,
	}, logger.NewNop())
}

func TestAssessEarlyCompletionDoesNotWaitForExit(t *testing.T) {
	engine := writeEngine(t, `printf '{"status":"success","recognized_text":"i go to school yesterday"}'
exec sleep 30`)
	c := newTestScoringClient(engine, 20*time.Second)

	start := time.Now()
	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	elapsed := time.Since(start)

	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Reason != ReasonEarly {
		t.Fatalf("expected early resolution, got %q", result.Reason)
	}
	if result.RecognizedText != "i go to school yesterday" {
		t.Fatalf("unexpected recognized text %q", result.RecognizedText)
	}
	if elapsed > 10*time.Second {
		t.Fatalf("expected early completion well before engine exit, took %s", elapsed)
	}
}

func TestAssessChunkedOutputMapsTokenDetails(t *testing.T) {
	engine := writeEngine(t, `printf '{"status":"success",'
sleep 0.2
printf '"recognized_text":"hi","confidence_score":87.5,'
sleep 0.2
printf '"token_details":[{"char":"h","score":0.9,"step":3},{"char":"i","score":0.8,"step":7}],"processing_time_ms":1234}\n'`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ConfidenceScore != 87.5 {
		t.Fatalf("expected confidence 87.5, got %v", result.ConfidenceScore)
	}
	if result.ProcessingTimeMs != 1234 {
		t.Fatalf("expected processing time from engine, got %v", result.ProcessingTimeMs)
	}
	want := []TokenDetail{{Symbol: "h", Score: 0.9, Position: 3}, {Symbol: "i", Score: 0.8, Position: 7}}
	if len(result.TokenDetails) != len(want) {
		t.Fatalf("expected %d tokens, got %d", len(want), len(result.TokenDetails))
	}
	for i := range want {
		if result.TokenDetails[i] != want[i] {
			t.Fatalf("token %d: expected %+v, got %+v", i, want[i], result.TokenDetails[i])
		}
	}
}

func TestAssessEngineReportedError(t *testing.T) {
	engine := writeEngine(t, `echo '{"status": "error", "message": "API Key not found"}'`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if result.Succeeded() {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Message != "API Key not found" {
		t.Fatalf("expected engine message, got %q", result.Message)
	}
	if result.Reason != ReasonEngineError {
		t.Fatalf("expected engine_error reason, got %q", result.Reason)
	}
}

func TestAssessNonZeroExitCarriesStderr(t *testing.T) {
	engine := writeEngine(t, `echo 'Traceback: model load failed' >&2
exit 1`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if result.Succeeded() {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Reason != ReasonExitCode {
		t.Fatalf("expected exit_code reason, got %q", result.Reason)
	}
	if result.Message != msgExecutionFailed {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if !strings.Contains(result.Details, "model load failed") {
		t.Fatalf("expected stderr in details, got %q", result.Details)
	}
}

func TestAssessNonZeroExitWithoutStderr(t *testing.T) {
	engine := writeEngine(t, `printf 'partial {'
exit 3`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if result.Succeeded() || result.Details != "Unknown error" {
		t.Fatalf("expected failure with unknown error details, got %+v", result)
	}
}

func TestAssessUnparseableOutputOnCleanExit(t *testing.T) {
	engine := writeEngine(t, `echo 'loading model...'
echo 'done'`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if result.Succeeded() {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Reason != ReasonParse || result.Message != msgInvalidOutput {
		t.Fatalf("expected parse failure, got %+v", result)
	}
	if !strings.Contains(result.Details, "loading model") {
		t.Fatalf("expected raw stdout in details, got %q", result.Details)
	}
}

func TestAssessStatusOnlyOutputIsInvalid(t *testing.T) {
	engine := writeEngine(t, `echo '{"status":"success"}'`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if result.Succeeded() || result.Reason != ReasonParse {
		t.Fatalf("expected parse failure for incomplete envelope, got %+v", result)
	}
}

func TestAssessTimeoutKillsProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "engine.pid")
	engine := writeEngine(t, `echo $$ > '`+pidFile+`'
exec sleep 30`)
	c := newTestScoringClient(engine, 500*time.Millisecond)

	start := time.Now()
	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout did not fire promptly")
	}
	if result.Succeeded() || result.Reason != ReasonTimeout {
		t.Fatalf("expected timeout failure, got %+v", result)
	}
	if result.Message != msgScoringTimeout {
		t.Fatalf("unexpected timeout message %q", result.Message)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Fatalf("expected engine process %d to be gone, kill(0) returned %v", pid, err)
	}
}

func TestAssessSpawnFailure(t *testing.T) {
	c := newTestScoringClient(filepath.Join(t.TempDir(), "missing-engine"), time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if result.Succeeded() || result.Reason != ReasonSpawn {
		t.Fatalf("expected spawn failure, got %+v", result)
	}
	if result.Message != msgRuntimeNotFound {
		t.Fatalf("unexpected message %q", result.Message)
	}
}

func TestAssessPassesAudioAndReferenceText(t *testing.T) {
	engine := writeEngine(t, `printf '{"status":"success","recognized_text":"%s"}' "$*"`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "  hello world ")
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	want := "--audio /tmp/audio.wav --ref_text hello world"
	if result.RecognizedText != want {
		t.Fatalf("expected args %q, got %q", want, result.RecognizedText)
	}

	result = c.Assess(context.Background(), "/tmp/audio.wav", "")
	if result.RecognizedText != "--audio /tmp/audio.wav" {
		t.Fatalf("expected no reference flag without text, got %q", result.RecognizedText)
	}
}

func TestAssessStderrNeverReachesSuccess(t *testing.T) {
	engine := writeEngine(t, `echo 'Downloading model 42%' >&2
printf '{"status":"success","recognized_text":"ok"}'`)
	c := newTestScoringClient(engine, 20*time.Second)

	result := c.Assess(context.Background(), "/tmp/audio.wav", "")
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if strings.Contains(result.Details, "Downloading") {
		t.Fatalf("stderr leaked into success result: %q", result.Details)
	}
}

func TestAssessContextCancellation(t *testing.T) {
	engine := writeEngine(t, `exec sleep 30`)
	c := newTestScoringClient(engine, 20*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	result := c.Assess(ctx, "/tmp/audio.wav", "")
	if result.Succeeded() || result.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled failure, got %+v", result)
	}
}

func TestAssessConcurrentRunsResolveOnce(t *testing.T) {
	engine := writeEngine(t, `printf '{"status":"success","recognized_text":"done"}'
exit 0`)
	c := newTestScoringClient(engine, 20*time.Second)

	const runs = 16
	var wg sync.WaitGroup
	results := make([]ScoringResult, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Assess(context.Background(), "/tmp/audio.wav", "")
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.Succeeded() || r.RecognizedText != "done" {
			t.Fatalf("run %d: expected success, got %+v", i, r)
		}
	}
}

func TestOutcomeFirstResolveWins(t *testing.T) {
	slot := newOutcome()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if slot.resolve(NewScoringFailure(ReasonTimeout, strconv.Itoa(i), "")) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning resolve, got %d", wins)
	}
	<-slot.ch
	select {
	case extra := <-slot.ch:
		t.Fatalf("unexpected second result %+v", extra)
	default:
	}
}

func TestResultStreamWaitsForCompleteObject(t *testing.T) {
	var got []engineEnvelope
	stream := newResultStream(func(env engineEnvelope) { got = append(got, env) })

	chunks := []string{
		`{"status":"success",`,
		`"recognized_text":"a}`,
		`"}`,
		"\n",
		`{"status":"success","recognized_text":"second"}`,
	}
	for i, chunk := range chunks[:2] {
		if _, err := stream.Write([]byte(chunk)); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
		if len(got) != 0 {
			t.Fatalf("resolved too early after chunk %d", i)
		}
	}
	for _, chunk := range chunks[2:] {
		stream.Write([]byte(chunk))
	}

	if len(got) != 1 {
		t.Fatalf("expected exactly one completion, got %d", len(got))
	}
	if got[0].RecognizedText == nil || *got[0].RecognizedText != "a}" {
		t.Fatalf("unexpected envelope %+v", got[0])
	}
}

func TestResultStreamToleratesLeadingNoise(t *testing.T) {
	var got *engineEnvelope
	stream := newResultStream(func(env engineEnvelope) { got = &env })
	stream.Write([]byte("warning: cpu fallback\n{\"status\":\"error\",\"message\":\"silent audio\"}"))

	if got == nil || got.Message != "silent audio" {
		t.Fatalf("expected envelope after leading noise, got %+v", got)
	}
}

func TestScoringResultJSONShapes(t *testing.T) {
	success := ScoringResult{Status: ScoringStatusSuccess, RecognizedText: "hello", ConfidenceScore: 90}
	raw, err := json.Marshal(success)
	if err != nil {
		t.Fatalf("marshal success: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["status"] != "success" || fields["recognized_text"] != "hello" {
		t.Fatalf("unexpected success JSON %s", raw)
	}
	if _, ok := fields["message"]; ok {
		t.Fatalf("success JSON must not carry message: %s", raw)
	}
	if tokens, ok := fields["token_details"].([]any); !ok || len(tokens) != 0 {
		t.Fatalf("expected empty token_details array, got %s", raw)
	}

	failure := NewScoringFailure(ReasonTimeout, msgScoringTimeout, detailScoringTimeout)
	raw, err = json.Marshal(failure)
	if err != nil {
		t.Fatalf("marshal failure: %v", err)
	}
	fields = nil
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["status"] != "error" || fields["message"] != msgScoringTimeout {
		t.Fatalf("unexpected failure JSON %s", raw)
	}
	if _, ok := fields["recognized_text"]; ok {
		t.Fatalf("failure JSON must not carry recognized_text: %s", raw)
	}
	if _, ok := fields["reason"]; ok {
		t.Fatalf("reason is internal and must not be serialized: %s", raw)
	}
}

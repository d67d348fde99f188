//go:build unix

package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/windfall/echotutor_service/internal/client"
	"github.com/windfall/echotutor_service/internal/config"
	"github.com/windfall/echotutor_service/internal/logger"
)

func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write engine stub: %v", err)
	}
	return path
}

func engineScorer(t *testing.T, body string) *client.ScoringClient {
	t.Helper()
	return client.NewScoringClient(client.ScoringConfig{
		Command:       writeEngine(t, body),
		ReferenceFlag: "--ref_text",
		Timeout:       10 * time.Second,
		KillGrace:     time.Second,
	}, logger.NewNop())
}

func TestPipelineWithEngineSuccess(t *testing.T) {
	scorer := engineScorer(t, `printf '{"status":"success","recognized_text":"i go to school yesterday"}'
exit 0
`)
	evaluator := &fakeEvaluator{}
	svc, dir := newTestPipeline(t, &fakeTranscoder{}, scorer, &fakeTranscriber{}, evaluator, config.FallbackPlaceholder)

	got, err := svc.Process(context.Background(), AudioPayload{Data: []byte("webm"), Filename: "rec.webm"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !got.Scoring.Succeeded() {
		t.Fatalf("expected scoring success, got %+v", got.Scoring)
	}
	if got.Transcript != "i go to school yesterday" {
		t.Fatalf("unexpected transcript %q", got.Transcript)
	}
	if len(evaluator.transcript) != 1 || evaluator.transcript[0] != "i go to school yesterday" {
		t.Fatalf("evaluator called with %v", evaluator.transcript)
	}
	if n := countEntries(t, dir); n != 0 {
		t.Fatalf("temp files leaked: %d", n)
	}
}

func TestPipelineWithEngineExitOne(t *testing.T) {
	body := `echo "loading model"
echo "RuntimeError: CUDA unavailable" >&2
exit 1
`
	tests := []struct {
		policy         string
		wantTranscript string
	}{
		{config.FallbackPlaceholder, ScoringFailedTranscript},
		{config.FallbackTranscribe, "i goes to school"},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			transcriber := &fakeTranscriber{text: "i goes to school"}
			evaluator := &fakeEvaluator{}
			svc, dir := newTestPipeline(t, &fakeTranscoder{}, engineScorer(t, body), transcriber, evaluator, tt.policy)

			got, err := svc.Process(context.Background(), AudioPayload{Data: []byte("webm")})
			if err != nil {
				t.Fatalf("Process: %v", err)
			}

			if got.Scoring.Succeeded() {
				t.Fatalf("expected scoring failure")
			}
			if got.Scoring.Details != "RuntimeError: CUDA unavailable" {
				t.Fatalf("expected stderr as details, got %q", got.Scoring.Details)
			}
			if got.Transcript != tt.wantTranscript {
				t.Fatalf("expected transcript %q, got %q", tt.wantTranscript, got.Transcript)
			}
			if len(evaluator.transcript) != 1 || evaluator.transcript[0] != tt.wantTranscript {
				t.Fatalf("evaluator called with %v", evaluator.transcript)
			}
			if n := countEntries(t, dir); n != 0 {
				t.Fatalf("temp files leaked: %d", n)
			}
		})
	}
}

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/windfall/echotutor_service/internal/logger"
)

type fakeAudioTranscriber struct {
	text string
	err  error

	gotWAV      []byte
	gotLanguage string
}

func (f *fakeAudioTranscriber) TranscribeAudio(ctx context.Context, wav []byte, language string) (string, error) {
	f.gotWAV = wav
	f.gotLanguage = language
	return f.text, f.err
}

func writeWAV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "normalized.wav")
	if err := os.WriteFile(path, []byte("RIFFwav"), 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestTranscribeReturnsProviderText(t *testing.T) {
	provider := &fakeAudioTranscriber{text: "i go to school yesterday"}
	svc := NewTranscriptionService(provider, "", logger.NewNop())

	got := svc.Transcribe(context.Background(), writeWAV(t))

	if got != "i go to school yesterday" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if string(provider.gotWAV) != "RIFFwav" {
		t.Fatalf("provider received %q", provider.gotWAV)
	}
	if provider.gotLanguage != "en" {
		t.Fatalf("expected default language en, got %q", provider.gotLanguage)
	}
}

func TestTranscribeFallsBackToPlaceholder(t *testing.T) {
	tests := []struct {
		name     string
		provider AudioTranscriber
		path     func(t *testing.T) string
	}{
		{
			name: "missing credentials",
			path: writeWAV,
		},
		{
			name:     "provider error",
			provider: &fakeAudioTranscriber{err: fmt.Errorf("status 503")},
			path:     writeWAV,
		},
		{
			name:     "empty text",
			provider: &fakeAudioTranscriber{text: "   "},
			path:     writeWAV,
		},
		{
			name:     "unreadable audio",
			provider: &fakeAudioTranscriber{text: "unused"},
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "missing.wav")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewTranscriptionService(tt.provider, "en", logger.NewNop())
			if got := svc.Transcribe(context.Background(), tt.path(t)); got != TranscriptPlaceholder {
				t.Fatalf("expected placeholder, got %q", got)
			}
		})
	}
}

package service

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// TranscriptPlaceholder is returned whenever the transcription provider cannot
// produce text.
const TranscriptPlaceholder = "ASR Service error. Please check server logs."

// AudioTranscriber is a remote speech-to-text provider.
type AudioTranscriber interface {
	TranscribeAudio(ctx context.Context, wav []byte, language string) (string, error)
}

// TranscriptionService turns normalized audio into text on a best-effort basis.
type TranscriptionService struct {
	provider AudioTranscriber
	language string
	log      zerolog.Logger
}

// NewTranscriptionService creates a new transcription service. A nil provider
// means credentials are missing and Transcribe always returns the placeholder.
func NewTranscriptionService(provider AudioTranscriber, language string, log zerolog.Logger) *TranscriptionService {
	if language == "" {
		language = "en"
	}
	if provider == nil {
		log.Warn().Msg("Transcription provider not configured, fallback transcripts will be placeholders")
	}
	return &TranscriptionService{
		provider: provider,
		language: language,
		log:      log,
	}
}

// Transcribe never fails; any problem yields TranscriptPlaceholder.
func (s *TranscriptionService) Transcribe(ctx context.Context, wavPath string) string {
	if s.provider == nil {
		return TranscriptPlaceholder
	}

	wav, err := os.ReadFile(wavPath)
	if err != nil {
		s.log.Error().Err(err).Str("path", wavPath).Msg("Failed to read normalized audio")
		return TranscriptPlaceholder
	}

	text, err := s.provider.TranscribeAudio(ctx, wav, s.language)
	if err != nil {
		s.log.Error().Err(err).Msg("Transcription provider call failed")
		return TranscriptPlaceholder
	}
	if strings.TrimSpace(text) == "" {
		s.log.Warn().Msg("Transcription provider returned empty text")
		return TranscriptPlaceholder
	}
	return text
}

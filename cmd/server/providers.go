package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/windfall/echotutor_service/internal/client"
	"github.com/windfall/echotutor_service/internal/config"
	"github.com/windfall/echotutor_service/internal/service"
)

// newTranscriptionProvider returns nil when the selected provider has no
// credentials, which puts the transcription service in placeholder mode.
func newTranscriptionProvider(cfg *config.Config, log zerolog.Logger) service.AudioTranscriber {
	switch cfg.TranscriptionProvider {
	case config.ProviderAzure:
		if cfg.AzureWhisperEndpoint == "" || cfg.AzureWhisperKey == "" {
			log.Warn().Msg("AZURE_WHISPER_ENDPOINT/AZURE_WHISPER_KEY not set, transcription disabled")
			return nil
		}
		return client.NewAzureWhisperClient(cfg.AzureWhisperEndpoint, cfg.AzureWhisperKey, cfg.ProviderTimeout)
	default:
		if cfg.DashScopeAPIKey == "" {
			log.Warn().Msg("DASHSCOPE_API_KEY not set, transcription disabled")
			return nil
		}
		return client.NewDashScopeClient(cfg.DashScopeAPIKey, cfg.DashScopeBaseURL, cfg.ProviderTimeout).
			WithAudioModel(cfg.TranscriptionModel)
	}
}

// newEvaluationProvider returns nil when the selected provider has no
// credentials, which puts the evaluation service in degraded mode.
func newEvaluationProvider(ctx context.Context, cfg *config.Config, log zerolog.Logger) service.JSONCompleter {
	switch cfg.EvaluationProvider {
	case config.ProviderAzure:
		if cfg.AzureOpenAIChatEndpoint == "" || cfg.AzureOpenAIChatKey == "" {
			log.Warn().Msg("AZURE_OPENAI_CHAT_ENDPOINT/AZURE_OPENAI_CHAT_KEY not set, evaluation degraded")
			return nil
		}
		return client.NewAzureChatClient(cfg.AzureOpenAIChatEndpoint, cfg.AzureOpenAIChatKey, cfg.ProviderTimeout)
	case config.ProviderGemini:
		gemini, err := client.NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			log.Warn().Err(err).Msg("Gemini client not initialized, evaluation degraded")
			return nil
		}
		log.Info().Str("model", cfg.GeminiModel).Msg("Gemini client initialized")
		return gemini.WithModel(cfg.GeminiModel)
	default:
		if cfg.DashScopeAPIKey == "" {
			log.Warn().Msg("DASHSCOPE_API_KEY not set, evaluation degraded")
			return nil
		}
		return client.NewDashScopeClient(cfg.DashScopeAPIKey, cfg.DashScopeBaseURL, cfg.ProviderTimeout).
			WithChatModel(cfg.EvaluationModel)
	}
}

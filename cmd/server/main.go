package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/windfall/echotutor_service/internal/client"
	"github.com/windfall/echotutor_service/internal/config"
	"github.com/windfall/echotutor_service/internal/handler/http"
	"github.com/windfall/echotutor_service/internal/logger"
	"github.com/windfall/echotutor_service/internal/metrics"
	"github.com/windfall/echotutor_service/internal/server"
	"github.com/windfall/echotutor_service/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	log := logger.NewWithFields(cfg.LogLevel, cfg.LogFormat, map[string]interface{}{
		"service": "echotutor_service",
	})
	log.Info().Str("env", cfg.Environment).Msg("Starting echotutor_service")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	// Initialize clients
	transcoder := client.NewFFmpegTranscoder(cfg.FFmpegPath, cfg.FFmpegFallbackName, log)
	scorer := client.NewScoringClient(client.ScoringConfig{
		Command:       cfg.ScoringCommand,
		Script:        cfg.ScoringScript,
		ReferenceFlag: cfg.ScoringReferenceFlag,
		Timeout:       cfg.ScoringTimeout,
		KillGrace:     cfg.ScoringKillGrace,
	}, log)
	transcriptionProvider := newTranscriptionProvider(cfg, log)
	evaluationProvider := newEvaluationProvider(ctx, cfg, log)

	// Initialize services
	transcriptionService := service.NewTranscriptionService(transcriptionProvider, cfg.TranscriptionLanguage, log)
	evaluationService := service.NewEvaluationService(evaluationProvider, m, log)
	pipelineService := service.NewPipelineService(
		transcoder,
		scorer,
		transcriptionService,
		evaluationService,
		service.PipelineConfig{
			TempDir:            cfg.TempDir,
			TranscriptFallback: cfg.TranscriptFallback,
		},
		m,
		log,
	)

	// Initialize handlers
	healthHandler := http.NewHealthHandler()
	assessmentHandler := http.NewAssessmentHandler(log, pipelineService, cfg.MaxUploadBytes)

	// Initialize HTTP server
	httpServer := server.NewHTTPServer(cfg, log, healthHandler, assessmentHandler, m)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server error")
			cancel()
		}
	}()

	log.Info().
		Str("http_addr", cfg.HTTPAddress()).
		Str("transcript_fallback", cfg.TranscriptFallback).
		Str("evaluation_provider", cfg.EvaluationProvider).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("Server started")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("Context cancelled")
	}

	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Server stopped")
}

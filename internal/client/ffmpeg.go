package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/windfall/echotutor_service/internal/errors"
)

// Normalized audio format expected by the scoring engine and ASR providers.
const (
	NormalizedSampleRate = 16000
	NormalizedChannels   = 1
	NormalizedCodec      = "pcm_s16le"
)

// FFmpegTranscoder converts uploaded audio into 16 kHz mono PCM WAV.
type FFmpegTranscoder struct {
	primaryPath  string
	fallbackName string
	lookPath     func(string) (string, error)
	log          zerolog.Logger
}

// NewFFmpegTranscoder creates a transcoder. primaryPath may be empty, in which
// case only the PATH lookup of fallbackName is attempted.
func NewFFmpegTranscoder(primaryPath, fallbackName string, log zerolog.Logger) *FFmpegTranscoder {
	if fallbackName == "" {
		fallbackName = "ffmpeg"
	}
	return &FFmpegTranscoder{
		primaryPath:  primaryPath,
		fallbackName: fallbackName,
		lookPath:     exec.LookPath,
		log:          log,
	}
}

// Transcode writes audio to inputPath and converts it to outputPath.
// Both paths are owned by the caller, which must remove them.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, audio []byte, inputPath, outputPath string) error {
	if err := os.WriteFile(inputPath, audio, 0o600); err != nil {
		return errors.Transcode("failed to stage upload", err)
	}

	var primaryErr error
	if t.primaryPath != "" {
		t.log.Debug().Str("ffmpeg", t.primaryPath).Msg("Transcoding audio with configured ffmpeg")
		primaryErr = t.run(ctx, t.primaryPath, inputPath, outputPath)
		if primaryErr == nil {
			return nil
		}
		t.log.Warn().Err(primaryErr).Str("ffmpeg", t.primaryPath).Msg("Configured ffmpeg failed, trying PATH lookup")
	}

	resolved, err := t.lookPath(t.fallbackName)
	if err != nil {
		return errors.Transcode("no transcoding backend reachable", joinErrs(primaryErr, fmt.Errorf("lookup %q: %w", t.fallbackName, err)))
	}

	if err := t.run(ctx, resolved, inputPath, outputPath); err != nil {
		return errors.Transcode("no transcoding backend reachable", joinErrs(primaryErr, err))
	}
	return nil
}

func (t *FFmpegTranscoder) run(ctx context.Context, binary, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, binary, buildTranscodeArgs(inputPath, outputPath)...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", binary, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func buildTranscodeArgs(inputPath, outputPath string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-ar", fmt.Sprint(NormalizedSampleRate),
		"-ac", fmt.Sprint(NormalizedChannels),
		"-c:a", NormalizedCodec,
		outputPath,
	}
}

func joinErrs(first, second error) error {
	if first == nil {
		return second
	}
	return fmt.Errorf("%w; %w", first, second)
}

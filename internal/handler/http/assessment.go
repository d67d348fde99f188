package http

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/windfall/echotutor_service/internal/errors"
	"github.com/windfall/echotutor_service/internal/service"
	"github.com/windfall/echotutor_service/pkg/response"
)

const (
	audioField         = "audio"
	referenceTextField = "referenceText"

	// Parts above this size spill to disk during multipart parsing.
	multipartMemory = 8 << 20
)

// AudioProcessor runs the evaluation pipeline for one upload.
type AudioProcessor interface {
	Process(ctx context.Context, payload service.AudioPayload) (*service.PipelineResult, error)
}

// AssessmentHandler accepts recordings and returns the combined assessment.
type AssessmentHandler struct {
	log            zerolog.Logger
	pipeline       AudioProcessor
	maxUploadBytes int64
}

// NewAssessmentHandler creates a new assessment handler.
func NewAssessmentHandler(log zerolog.Logger, pipeline AudioProcessor, maxUploadBytes int64) *AssessmentHandler {
	return &AssessmentHandler{
		log:            log,
		pipeline:       pipeline,
		maxUploadBytes: maxUploadBytes,
	}
}

// ProcessAudio handles POST /api/process-audio
//
// Request: multipart/form-data with an "audio" file and optional "referenceText"
// Response: { "transcript": "...", "scoring": {...}, "evaluation": {...} }
func (h *AssessmentHandler) ProcessAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			h.handleError(w, r, errors.PayloadTooLarge("Audio file too large"))
			return
		}
		h.handleError(w, r, errors.Validation("No audio file provided"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(audioField)
	if err != nil {
		h.handleError(w, r, errors.Validation("No audio file provided"))
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		h.handleError(w, r, errors.InternalWrap("failed to read uploaded audio", err))
		return
	}
	if len(audioData) == 0 {
		h.handleError(w, r, errors.Validation("No audio file provided"))
		return
	}

	result, err := h.pipeline.Process(ctx, service.AudioPayload{
		Data:          audioData,
		Filename:      header.Filename,
		ReferenceText: strings.TrimSpace(r.FormValue(referenceTextField)),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, result)
}

// handleError writes public errors as-is and hides everything else behind a
// generic 500.
func (h *AssessmentHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := zerolog.Ctx(r.Context())
	if log.GetLevel() == zerolog.Disabled {
		log = &h.log
	}

	if appErr, ok := errors.As(err); ok && appErr.Public() {
		log.Warn().Str("code", string(appErr.Code)).Msg(appErr.Message)
		response.Error(w, appErr.HTTPStatus(), appErr.Message)
		return
	}

	log.Error().Err(err).Str("code", string(errors.CodeOf(err))).Msg("Error processing audio")
	response.InternalError(w)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return stderrors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

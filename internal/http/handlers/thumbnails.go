package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mediaforge/jobs-api/internal/domain"
)

type thumbnailRequest struct {
	Input  string  `json:"input"`
	At     float64 `json:"at"`
	Width  int     `json:"width"`
	Format string  `json:"format,omitempty"`
}

// Thumbnails extracts one frame and answers once the image is written.
func (api *API) Thumbnails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if api.thumbnailer == nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "thumbnails are not available")
		return
	}

	var request thumbnailRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON payload")
		return
	}
	request.Input = strings.TrimSpace(request.Input)
	if request.Input == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "input is required")
		return
	}
	if request.At < 0 || request.Width < 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "at and width must not be negative")
		return
	}
	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(request.Format)), ".")
	switch format {
	case "":
		format = "jpg"
	case "jpg", "jpeg", "png":
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "format must be jpg or png")
		return
	}

	if !api.files.Exists(request.Input) {
		writeError(w, r, http.StatusNotFound, "not_found", "input not found")
		return
	}
	inputPath, err := api.files.Resolve(request.Input)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid input name")
		return
	}

	output := string(domain.JobKindThumbnail) + "-" + uuid.NewString() + "." + format
	outputPath, err := api.files.OutputPath(output)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to place thumbnail")
		return
	}

	if err := api.thumbnailer.Thumbnail(r.Context(), inputPath, outputPath, request.At, request.Width); err != nil {
		if api.logger != nil {
			api.logger.Printf("thumbnail failed input=%s err=%v", request.Input, err)
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "thumbnail extraction failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"output": output,
		"url":    filesPathPrefix + output,
	})
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mediaforge/jobs-api/internal/storage"
)

const multipartMemoryBytes = 32 << 20

// Uploads accepts a multipart "file" part and stores it as a job source. An
// optional "name" field overrides the client file name.
func (api *API) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if r.ContentLength > api.maxUploadBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds size limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "multipart form with a file field is required")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "file field is required")
		return
	}
	defer file.Close()

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = header.Filename
	}

	saved, size, err := api.files.SaveUpload(name, file)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid file name")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to store upload")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"name": saved,
		"size": size,
	})
}

// Files serves a generated artifact from the outputs area.
func (api *API) Files(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	name, err := storage.NormalizeName(strings.TrimPrefix(r.URL.Path, filesPathPrefix))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "file name is required")
		return
	}
	full, err := api.files.OutputPath(name)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid file name")
		return
	}
	if !api.files.OutputExists(name) {
		writeError(w, r, http.StatusNotFound, "not_found", "file not found")
		return
	}

	http.ServeFile(w, r, full)
}

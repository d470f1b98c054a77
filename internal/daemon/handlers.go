package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"meshqueue/internal/api"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
	"meshqueue/internal/services"
)

// multipartMemory is how much of an upload is buffered before spooling to disk.
const multipartMemory = 8 << 20

type handlers struct {
	svc    *api.Service
	logger *slog.Logger
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	// Allow for multipart framing on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.svc.MaxUploadBytes()+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, r, api.ErrUploadTooLarge)
			return
		}
		h.writeError(w, r, services.Wrap(services.ErrValidation, "", "submit", "malformed multipart body", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, services.Wrap(services.ErrValidation, "", "submit", "missing multipart field \"file\"", err))
		return
	}
	defer file.Close()

	var pipeline []string
	if raw := strings.TrimSpace(r.FormValue("pipeline")); raw != "" {
		pipeline = strings.Split(raw, ",")
	}
	id, err := h.svc.Submit(r.Context(), api.SubmitRequest{
		Pipeline: pipeline,
		Filename: header.Filename,
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, api.SubmitResponse{JobID: id})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	var states []jobs.State
	for _, value := range r.URL.Query()["state"] {
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			state, ok := jobs.ParseState(part)
			if !ok {
				h.writeError(w, r, services.Wrap(services.ErrValidation, "", "list", fmt.Sprintf("unknown state %q", part), nil))
				return
			}
			states = append(states, state)
		}
	}
	list, err := h.svc.List(r.Context(), states...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, api.JobListResponse{Jobs: list})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, status)
}

func (h *handlers) artifact(w http.ResponseWriter, r *http.Request) {
	ref, size, err := h.svc.Artifact(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stage"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rc, err := h.svc.Open(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ref.Name()))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("artifact download interrupted",
			logging.String("ref", ref.String()),
			logging.Error(err),
		)
	}
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, h.logger, http.StatusAccepted, status)
}

func (h *handlers) daemonStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.svc.DaemonStatus(r.Context()))
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrArtifactGone):
		return http.StatusGone
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, jobs.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	detail := services.Details(err)
	kind := string(detail.Kind)
	if code == http.StatusNotFound || code == http.StatusConflict || code == http.StatusGone {
		kind = ""
	}
	if code >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), h.logger), "api request failed", "api_error",
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	writeJSON(w, h.logger, code, errorBody(err.Error(), kind, detail.Code))
}

func errorBody(message, kind, code string) api.ErrorResponse {
	return api.ErrorResponse{Error: message, Kind: kind, Code: code}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("failed to encode response", logging.Error(err))
	}
}

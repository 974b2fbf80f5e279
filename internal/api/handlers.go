package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/errdefs"
)

// maxBodyBytes bounds the screenshot request body.
const maxBodyBytes = 64 << 10

type screenshotRequest struct {
	ProfileURL string `json:"profileUrl"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	var req screenshotRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil && len(bytes.TrimSpace(body)) > 0 {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "Invalid request body",
			Message: "Request body must be JSON of the form {\"profileUrl\": \"...\"}",
		})
		return
	}
	if req.ProfileURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "Missing profile URL",
			Message: "Profile URL is required",
		})
		return
	}

	res := s.fetcher.Fetch(r.Context(), req.ProfileURL)
	if !res.Success {
		status := errdefs.HTTPStatus(res.Err)
		title := "Screenshot operation failed"
		if errdefs.IsInvalidInput(res.Err) {
			title = "Invalid LinkedIn URL"
		}
		writeJSON(w, status, errorResponse{
			Error:   title,
			Message: res.Message(),
			Kind:    errdefs.Kind(res.Err),
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, res.ScreenshotPath)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "LinkedIn Screenshot Service is running",
	})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session_unavailable", Message: "No session manager configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Status())
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:   "history_disabled",
			Message: "Capture history requires database.url to be configured",
		})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit", Message: "limit must be an integer"})
			return
		}
		limit = n
	}

	captures, err := s.history.RecentCaptures(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list captures", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error", Message: "failed to list captures"})
		return
	}
	writeJSON(w, http.StatusOK, captures)
}

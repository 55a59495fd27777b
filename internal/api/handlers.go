package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mp3relay/internal/artifact"
	"mp3relay/internal/convert"
)

const maxRequestBody = 1 << 20

type downloadRequest struct {
	URL string `json:"url"`
}

type downloadResponse struct {
	Status      string  `json:"status"`
	DownloadURL string  `json:"download_url"`
	Title       string  `json:"title"`
	Duration    float64 `json:"duration"`
	Thumbnail   string  `json:"thumbnail"`
}

type statusResponse struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Title     string     `json:"title,omitempty"`
	Duration  float64    `json:"duration,omitempty"`
	Thumbnail string     `json:"thumbnail,omitempty"`
	SourceURL string     `json:"source_url,omitempty"`
	SizeBytes int64      `json:"size_bytes,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "running",
		"message": "YouTube to MP3 API ready",
	})
}

// handleDownload runs a conversion job to completion and answers with the
// reference the client fetches the MP3 from.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.svc.Submit(r.Context(), req.URL)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{
		Status:      "success",
		DownloadURL: s.baseURL(r) + "/stream/" + job.ID,
		Title:       job.Title,
		Duration:    job.Duration,
		Thumbnail:   job.Thumbnail,
	})
}

// handleStream sends an artifact and arms its deletion once the response
// header is on the wire.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(chi.URLParam(r, "jobID"), artifact.DefaultExt)
	a, err := s.svc.Open(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer a.File.Close()

	h := w.Header()
	h.Set("Content-Type", "audio/mpeg")
	h.Set("Content-Disposition", `attachment; filename="`+a.Filename+`"`)
	h.Set("Cache-Control", "no-cache")
	h.Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	a.Started()

	if _, err := io.Copy(w, a.File); err != nil {
		s.opts.Logger.Warn("stream interrupted", "job_id", a.ID, "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := statusResponse{
		JobID:     st.Record.ID,
		Status:    "reclaimed",
		Title:     st.Record.Title,
		Duration:  st.Record.Duration,
		Thumbnail: st.Record.Thumbnail,
		SourceURL: st.Record.SourceURL,
		SizeBytes: st.SizeBytes,
	}
	if st.Known {
		resp.CreatedAt = &st.Record.CreatedAt
	}
	if st.Available {
		resp.Status = "ready"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.opts.Reclaimer != nil {
		resp["pending_reclamations"] = s.opts.Reclaimer.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

// baseURL is the externally visible address of the service as seen by the
// client that sent r.
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.PublicBaseURL != "" {
		return strings.TrimRight(s.opts.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := firstHeaderValue(r, "X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	host := r.Host
	if h := firstHeaderValue(r, "X-Forwarded-Host"); h != "" {
		host = h
	}
	return scheme + "://" + host
}

func firstHeaderValue(r *http.Request, key string) string {
	v, _, _ := strings.Cut(r.Header.Get(key), ",")
	return strings.TrimSpace(v)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, convert.ErrInvalidID):
		s.writeError(w, http.StatusBadRequest, convert.ErrInvalidID.Error())
	case errors.Is(err, convert.ErrNotFound):
		s.writeError(w, http.StatusNotFound, convert.ErrNotFound.Error())
	case errors.Is(err, convert.ErrMissingURL):
		s.writeError(w, http.StatusBadRequest, convert.ErrMissingURL.Error())
	case errors.Is(err, convert.ErrExtractionFailed):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, convert.ErrConversionFailed):
		s.writeError(w, http.StatusInternalServerError, convert.ErrConversionFailed.Error())
	default:
		s.opts.Logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

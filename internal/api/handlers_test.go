package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mp3relay/internal/artifact"
	"mp3relay/internal/clock"
	"mp3relay/internal/convert"
	"mp3relay/internal/extract"
	"mp3relay/internal/jobs"
	"mp3relay/internal/metrics"
	"mp3relay/internal/reclaim"
)

const grace = 5 * time.Second

type stubExtractor struct {
	size int
	meta extract.Metadata
	err  error
}

func (s *stubExtractor) Extract(ctx context.Context, req extract.Request) (extract.Metadata, error) {
	if s.err != nil {
		return extract.Metadata{}, s.err
	}
	if s.size > 0 {
		if err := os.WriteFile(req.OutputPath, bytes.Repeat([]byte{0xfb}, s.size), 0o644); err != nil {
			return extract.Metadata{}, err
		}
	}
	return s.meta, nil
}

type harness struct {
	server    *httptest.Server
	clock     *clock.FakeClock
	store     *artifact.Store
	reclaimer *reclaim.Reclaimer
}

func newHarness(t *testing.T, ex extract.Client, opts Options) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := artifact.NewStore(filepath.Join(t.TempDir(), "downloads"))
	if err := store.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	rec := reclaim.New(fake, store, nil, logger)
	svc := convert.NewService(convert.Deps{
		Extractor: ex,
		Store:     store,
		Registry:  jobs.NewMemoryRegistry(),
		Reclaimer: rec,
		Clock:     fake,
		Logger:    logger,
	}, convert.Config{GracePeriod: grace})

	opts.Reclaimer = rec
	opts.Logger = logger
	srv := httptest.NewServer(NewServer(svc, opts))
	t.Cleanup(srv.Close)
	return &harness{server: srv, clock: fake, store: store, reclaimer: rec}
}

func (h *harness) postDownload(t *testing.T, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.server.URL+"/download", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /download: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHome(t *testing.T) {
	h := newHarness(t, &stubExtractor{}, Options{})
	resp, body := h.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]string
	json.Unmarshal(body, &payload)
	if payload["status"] != "running" || payload["message"] == "" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDownloadAndStream(t *testing.T) {
	ex := &stubExtractor{size: 1000, meta: extract.Metadata{Title: "Song", Duration: 180, Thumbnail: "http://t"}}
	h := newHarness(t, ex, Options{})

	resp, payload := h.postDownload(t, `{"url":"https://example.com/valid"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
	if payload["status"] != "success" || payload["title"] != "Song" || payload["duration"] != 180.0 || payload["thumbnail"] != "http://t" {
		t.Fatalf("payload = %v", payload)
	}
	downloadURL, _ := payload["download_url"].(string)
	prefix := h.server.URL + "/stream/"
	if !strings.HasPrefix(downloadURL, prefix) {
		t.Fatalf("download_url = %q, want prefix %q", downloadURL, prefix)
	}
	id := strings.TrimPrefix(downloadURL, prefix)

	resp, body := h.get(t, "/stream/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d: %s", resp.StatusCode, body)
	}
	if len(body) != 1000 {
		t.Fatalf("streamed %d bytes, want 1000", len(body))
	}
	for key, want := range map[string]string{
		"Content-Type":        "audio/mpeg",
		"Content-Length":      "1000",
		"Cache-Control":       "no-cache",
		"Content-Disposition": `attachment; filename="` + id + `.mp3"`,
	} {
		if got := resp.Header.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if n := h.reclaimer.Pending(); n != 1 {
		t.Fatalf("pending reclamations = %d, want 1", n)
	}

	h.clock.Advance(grace)
	if h.store.Exists(id) {
		t.Fatal("artifact survived grace period")
	}
	resp, _ = h.get(t, "/stream/"+id)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("refetch status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamAcceptsMP3Suffix(t *testing.T) {
	h := newHarness(t, &stubExtractor{}, Options{})
	id := "5a0c2e1f-1111-4222-8333-944455556666"
	path, _ := h.store.PathFor(id)
	os.WriteFile(path, []byte("abc"), 0o644)

	resp, body := h.get(t, "/stream/"+id+".mp3")
	if resp.StatusCode != http.StatusOK || string(body) != "abc" {
		t.Fatalf("status = %d body = %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="`+id+`.mp3"` {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestStreamNotFound(t *testing.T) {
	h := newHarness(t, &stubExtractor{}, Options{})
	resp, body := h.get(t, "/stream/3f2a1c9e-7b4d-4e1a-9c3b-0d5e6f7a8b9c")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(string(body), "file not found") {
		t.Errorf("body = %s", body)
	}
	if n := h.reclaimer.Pending(); n != 0 {
		t.Fatalf("missing artifact scheduled for deletion")
	}
}

func TestStreamRejectsTraversal(t *testing.T) {
	h := newHarness(t, &stubExtractor{}, Options{})
	outside := filepath.Join(filepath.Dir(h.store.Root()), "secret.mp3")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, path := range []string{
		"/stream/..%2Fsecret",
		"/stream/..%2Fsecret.mp3",
		"/stream/..",
		"/stream/a%5Cb",
	} {
		resp, body := h.get(t, path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400 (%s)", path, resp.StatusCode, body)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("file outside root touched: %v", err)
	}
	if n := h.reclaimer.Pending(); n != 0 {
		t.Fatalf("invalid ids scheduled deletion")
	}
}

func TestDownloadErrors(t *testing.T) {
	tests := []struct {
		name       string
		ex         *stubExtractor
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "unsupported url",
			ex:         &stubExtractor{err: errors.New("ERROR: Unsupported URL: https://example.com/nope")},
			body:       `{"url":"https://example.com/nope"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Unsupported URL",
		},
		{
			name:       "no artifact",
			ex:         &stubExtractor{meta: extract.Metadata{Title: "Song"}},
			body:       `{"url":"https://example.com/valid"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "MP3 conversion failed",
		},
		{
			name:       "missing url",
			ex:         &stubExtractor{size: 1},
			body:       `{"url":""}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "missing url",
		},
		{
			name:       "bad json",
			ex:         &stubExtractor{size: 1},
			body:       `{"url":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.ex, Options{})
			resp, payload := h.postDownload(t, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantStatus, payload)
			}
			if payload["status"] != "error" {
				t.Errorf("status field = %v", payload["status"])
			}
			if msg, _ := payload["error"].(string); !strings.Contains(msg, tt.wantError) {
				t.Errorf("error = %q, want containing %q", msg, tt.wantError)
			}
			entries, _ := os.ReadDir(h.store.Root())
			if len(entries) != 0 {
				t.Errorf("artifact root not empty after failure: %d entries", len(entries))
			}
		})
	}
}

func TestDownloadURLBase(t *testing.T) {
	ex := &stubExtractor{size: 1}
	t.Run("forwarded headers", func(t *testing.T) {
		h := newHarness(t, ex, Options{})
		req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/download", strings.NewReader(`{"url":"u"}`))
		req.Header.Set("X-Forwarded-Proto", "https")
		req.Header.Set("X-Forwarded-Host", "mp3.example.org")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		defer resp.Body.Close()
		var payload downloadResponse
		json.NewDecoder(resp.Body).Decode(&payload)
		if !strings.HasPrefix(payload.DownloadURL, "https://mp3.example.org/stream/") {
			t.Fatalf("download_url = %q", payload.DownloadURL)
		}
	})
	t.Run("configured base", func(t *testing.T) {
		h := newHarness(t, ex, Options{PublicBaseURL: "https://relay.fly.dev/"})
		_, payload := h.postDownload(t, `{"url":"u"}`)
		if u, _ := payload["download_url"].(string); !strings.HasPrefix(u, "https://relay.fly.dev/stream/") {
			t.Fatalf("download_url = %q", u)
		}
	})
}

func TestStatusAndDelete(t *testing.T) {
	h := newHarness(t, &stubExtractor{size: 64, meta: extract.Metadata{Title: "Song"}}, Options{})
	_, payload := h.postDownload(t, `{"url":"https://example.com/valid"}`)
	id := strings.TrimPrefix(payload["download_url"].(string), h.server.URL+"/stream/")

	resp, body := h.get(t, "/status/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var st statusResponse
	json.Unmarshal(body, &st)
	if st.Status != "ready" || st.SizeBytes != 64 || st.Title != "Song" || st.CreatedAt == nil {
		t.Fatalf("status = %+v", st)
	}

	req, _ := http.NewRequest(http.MethodDelete, h.server.URL+"/delete/"+id, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", dresp.StatusCode)
	}
	if h.store.Exists(id) {
		t.Fatal("artifact survived delete")
	}
	resp, _ = h.get(t, "/status/"+id)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, &stubExtractor{}, Options{})
	req, _ := http.NewRequest(http.MethodOptions, h.server.URL+"/download", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewProm("mp3relay", reg)
	h := newHarness(t, &stubExtractor{}, Options{Metrics: m, Gatherer: reg})

	resp, body := h.get(t, "/health")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"pending_reclamations":0`) {
		t.Fatalf("health = %d %s", resp.StatusCode, body)
	}

	h.get(t, "/stream/3f2a1c9e-7b4d-4e1a-9c3b-0d5e6f7a8b9c")
	_, body = h.get(t, "/metrics")
	if !strings.Contains(string(body), `mp3relay_http_requests_total{method="GET",route="/stream/{jobID}",status="404"} 1`) {
		t.Fatalf("stream request not recorded under route pattern:\n%s", body)
	}
}

//go:build integration

package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"mp3relay/internal/api"
	"mp3relay/internal/artifact"
	"mp3relay/internal/clock"
	"mp3relay/internal/convert"
	"mp3relay/internal/extract"
	"mp3relay/internal/jobs"
	"mp3relay/internal/reclaim"
)

// scriptedExtractor plays back a canned outcome per source URL.
type scriptedExtractor struct {
	outcomes map[string]outcome
}

type outcome struct {
	size  int
	title string
	err   error
}

func (s *scriptedExtractor) Extract(_ context.Context, req extract.Request) (extract.Metadata, error) {
	o, ok := s.outcomes[req.SourceURL]
	if !ok {
		return extract.Metadata{}, fmt.Errorf("no script for %s", req.SourceURL)
	}
	if o.err != nil {
		return extract.Metadata{}, o.err
	}
	if o.size > 0 {
		if err := os.WriteFile(req.OutputPath, bytes.Repeat([]byte{0xff}, o.size), 0o644); err != nil {
			return extract.Metadata{}, err
		}
	}
	return extract.Metadata{Title: o.title}, nil
}

// relayContext holds test state for relay scenarios
type relayContext struct {
	dir       string
	clock     *clock.FakeClock
	store     *artifact.Store
	reclaimer *reclaim.Reclaimer
	extractor *scriptedExtractor
	server    *httptest.Server

	status      int
	header      http.Header
	body        []byte
	downloadURL string
}

var shared *relayContext

func InitializeRelayScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		dir, err := os.MkdirTemp("", "mp3relay-features-")
		if err != nil {
			return c, err
		}
		shared = &relayContext{
			dir:       dir,
			clock:     clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			extractor: &scriptedExtractor{outcomes: make(map[string]outcome)},
		}
		return c, nil
	})

	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if shared != nil {
			if shared.server != nil {
				shared.server.Close()
			}
			if shared.reclaimer != nil {
				shared.reclaimer.Close()
			}
			os.RemoveAll(shared.dir)
		}
		shared = nil
		return c, nil
	})

	ctx.Step(`^a relay with a grace period of (\d+) seconds$`, aRelayWithAGracePeriodOfSeconds)
	ctx.Step(`^the source "([^"]*)" converts to (\d+) bytes titled "([^"]*)"$`, theSourceConvertsToBytesTitled)
	ctx.Step(`^the source "([^"]*)" cannot be extracted$`, theSourceCannotBeExtracted)
	ctx.Step(`^I request a download of "([^"]*)"$`, iRequestADownloadOf)
	ctx.Step(`^I fetch the download URL$`, iFetchTheDownloadURL)
	ctx.Step(`^I fetch "([^"]*)"$`, iFetch)
	ctx.Step(`^(\d+) seconds pass$`, secondsPass)
	ctx.Step(`^the response status should be (\d+)$`, theResponseStatusShouldBe)
	ctx.Step(`^the response should carry a download URL$`, theResponseShouldCarryADownloadURL)
	ctx.Step(`^the response body should be (\d+) bytes$`, theResponseBodyShouldBeBytes)
	ctx.Step(`^the response should be an attachment named after the job$`, theResponseShouldBeAnAttachmentNamedAfterTheJob)
	ctx.Step(`^the error should be "([^"]*)"$`, theErrorShouldBe)
	ctx.Step(`^the error should start with "([^"]*)"$`, theErrorShouldStartWith)
	ctx.Step(`^(\d+) artifacts? should be stored$`, artifactsShouldBeStored)
}

func aRelayWithAGracePeriodOfSeconds(seconds int) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shared.store = artifact.NewStore(filepath.Join(shared.dir, "downloads"))
	if err := shared.store.Ensure(); err != nil {
		return err
	}
	shared.reclaimer = reclaim.New(shared.clock, shared.store, nil, logger)
	svc := convert.NewService(convert.Deps{
		Extractor: shared.extractor,
		Store:     shared.store,
		Registry:  jobs.NewMemoryRegistry(),
		Reclaimer: shared.reclaimer,
		Clock:     shared.clock,
		Logger:    logger,
	}, convert.Config{GracePeriod: time.Duration(seconds) * time.Second})

	shared.server = httptest.NewServer(api.NewServer(svc, api.Options{
		Reclaimer: shared.reclaimer,
		Logger:    logger,
	}))
	return nil
}

func theSourceConvertsToBytesTitled(url string, size int, title string) error {
	shared.extractor.outcomes[url] = outcome{size: size, title: title}
	return nil
}

func theSourceCannotBeExtracted(url string) error {
	shared.extractor.outcomes[url] = outcome{err: errors.New("Unsupported URL: " + url)}
	return nil
}

func iRequestADownloadOf(url string) error {
	payload, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return err
	}
	resp, err := http.Post(shared.server.URL+"/download", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if err := shared.record(resp); err != nil {
		return err
	}
	if shared.status == http.StatusOK {
		var out struct {
			DownloadURL string `json:"download_url"`
		}
		if err := json.Unmarshal(shared.body, &out); err != nil {
			return fmt.Errorf("decode download response: %w", err)
		}
		shared.downloadURL = out.DownloadURL
	}
	return nil
}

func iFetchTheDownloadURL() error {
	if shared.downloadURL == "" {
		return errors.New("no download URL was issued")
	}
	resp, err := http.Get(shared.downloadURL)
	if err != nil {
		return err
	}
	return shared.record(resp)
}

func iFetch(path string) error {
	resp, err := http.Get(shared.server.URL + path)
	if err != nil {
		return err
	}
	return shared.record(resp)
}

func secondsPass(seconds int) error {
	shared.clock.Advance(time.Duration(seconds) * time.Second)
	return nil
}

func theResponseStatusShouldBe(code int) error {
	if shared.status != code {
		return fmt.Errorf("expected status %d, got %d: %s", code, shared.status, shared.body)
	}
	return nil
}

func theResponseShouldCarryADownloadURL() error {
	want := shared.server.URL + "/stream/"
	if !strings.HasPrefix(shared.downloadURL, want) {
		return fmt.Errorf("expected download URL under %s, got %q", want, shared.downloadURL)
	}
	return nil
}

func theResponseBodyShouldBeBytes(n int) error {
	if len(shared.body) != n {
		return fmt.Errorf("expected %d bytes, got %d", n, len(shared.body))
	}
	return nil
}

func theResponseShouldBeAnAttachmentNamedAfterTheJob() error {
	id := shared.downloadURL[strings.LastIndex(shared.downloadURL, "/")+1:]
	want := fmt.Sprintf(`attachment; filename="%s.mp3"`, id)
	if got := shared.header.Get("Content-Disposition"); got != want {
		return fmt.Errorf("expected Content-Disposition %q, got %q", want, got)
	}
	if got := shared.header.Get("Content-Type"); got != "audio/mpeg" {
		return fmt.Errorf("expected audio/mpeg, got %q", got)
	}
	return nil
}

func theErrorShouldBe(msg string) error {
	got, err := shared.errorMessage()
	if err != nil {
		return err
	}
	if got != msg {
		return fmt.Errorf("expected error %q, got %q", msg, got)
	}
	return nil
}

func theErrorShouldStartWith(prefix string) error {
	got, err := shared.errorMessage()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(got, prefix) {
		return fmt.Errorf("expected error starting with %q, got %q", prefix, got)
	}
	return nil
}

func artifactsShouldBeStored(n int) error {
	entries, err := os.ReadDir(shared.store.Root())
	if err != nil {
		return err
	}
	if len(entries) != n {
		return fmt.Errorf("expected %d stored artifacts, found %d", n, len(entries))
	}
	return nil
}

func (r *relayContext) record(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	r.status = resp.StatusCode
	r.header = resp.Header
	r.body = body
	return nil
}

func (r *relayContext) errorMessage() (string, error) {
	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(r.body, &out); err != nil {
		return "", fmt.Errorf("decode error response %q: %w", r.body, err)
	}
	if out.Status != "error" {
		return "", fmt.Errorf("expected an error response, got %q", r.body)
	}
	return out.Error, nil
}

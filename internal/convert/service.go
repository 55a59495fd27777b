// Package convert runs conversion jobs and hands their artifacts out for
// streaming.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"mp3relay/internal/artifact"
	"mp3relay/internal/clock"
	"mp3relay/internal/extract"
	"mp3relay/internal/jobid"
	"mp3relay/internal/jobs"
	"mp3relay/internal/metrics"
)

// DefaultTitle stands in for a title the source did not report.
const DefaultTitle = "audio"

// recordTimeout bounds the registry write after a successful extraction.
const recordTimeout = 5 * time.Second

// Scheduler defers the deletion of a served artifact.
type Scheduler interface {
	Schedule(id string, delay time.Duration)
}

// Config holds the Service's tunables.
type Config struct {
	BitrateKbps int
	// GracePeriod is how long a streamed artifact is kept before deletion.
	GracePeriod time.Duration
	// ExtractTimeout bounds a single extraction.
	ExtractTimeout time.Duration
}

// Job is a finished conversion.
type Job struct {
	ID        string
	Title     string
	Duration  float64
	Thumbnail string
}

// Artifact is an open artifact ready to be streamed. The caller must Close
// File and call Started once the response is under way.
type Artifact struct {
	ID       string
	File     *os.File
	Size     int64
	Filename string

	started func()
}

// Started schedules the artifact's deletion. Call it after the response
// header has been written.
func (a *Artifact) Started() {
	if a.started != nil {
		a.started()
		a.started = nil
	}
}

// Service ties the extraction client, the artifact store, the job registry
// and the reclaimer together.
type Service struct {
	ids       jobid.Generator
	extractor extract.Client
	store     *artifact.Store
	registry  jobs.Registry
	reclaimer Scheduler
	clock     clock.Clock
	metrics   metrics.Metrics
	logger    *slog.Logger
	cfg       Config
}

// Deps collects the Service's collaborators.
type Deps struct {
	IDs       jobid.Generator
	Extractor extract.Client
	Store     *artifact.Store
	Registry  jobs.Registry
	Reclaimer Scheduler
	Clock     clock.Clock
	Metrics   metrics.Metrics
	Logger    *slog.Logger
}

func NewService(d Deps, cfg Config) *Service {
	if d.IDs == nil {
		d.IDs = jobid.UUID{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.BitrateKbps <= 0 {
		cfg.BitrateKbps = extract.DefaultBitrateKbps
	}
	return &Service{
		ids:       d.IDs,
		extractor: d.Extractor,
		store:     d.Store,
		registry:  d.Registry,
		reclaimer: d.Reclaimer,
		clock:     d.Clock,
		metrics:   d.Metrics,
		logger:    d.Logger,
		cfg:       cfg,
	}
}

// Submit converts sourceURL into a new artifact. It makes a single attempt.
func (s *Service) Submit(ctx context.Context, sourceURL string) (*Job, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return nil, ErrMissingURL
	}
	id := s.ids.New()
	path, err := s.store.PathFor(id)
	if err != nil {
		return nil, fmt.Errorf("job id %q: %w", id, err)
	}

	if s.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExtractTimeout)
		defer cancel()
	}

	s.logger.Info("job started", "job_id", id, "url", sourceURL)
	start := s.clock.Now()
	meta, err := s.extractor.Extract(ctx, extract.Request{
		SourceURL:   sourceURL,
		OutputPath:  path,
		Codec:       extract.CodecMP3,
		BitrateKbps: s.cfg.BitrateKbps,
	})
	s.metrics.ObserveExtraction(s.clock.Now().Sub(start).Seconds())
	if err != nil {
		s.discard(id)
		s.metrics.IncJobs(metrics.OutcomeExtractionFailed)
		s.logger.Error("job failed", "job_id", id, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if !s.store.Exists(id) {
		s.discard(id)
		s.metrics.IncJobs(metrics.OutcomeConversionFailed)
		s.logger.Error("job produced no artifact", "job_id", id)
		return nil, ErrConversionFailed
	}

	job := &Job{ID: id, Title: meta.Title, Duration: meta.Duration, Thumbnail: meta.Thumbnail}
	if job.Title == "" {
		job.Title = DefaultTitle
	}
	rec := jobs.Record{
		ID:        id,
		SourceURL: sourceURL,
		Title:     job.Title,
		Duration:  job.Duration,
		Thumbnail: job.Thumbnail,
		CreatedAt: start,
	}
	// The extraction may have used up ctx's deadline; the record still has
	// to land or the sweeper never sees this artifact.
	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.registry.Put(putCtx, rec); err != nil {
		// The artifact is still servable; only status and sweeping lose it.
		s.logger.Warn("record job", "job_id", id, "error", err)
	}
	s.metrics.IncJobs(metrics.OutcomeSuccess)
	s.logger.Info("job completed", "job_id", id, "title", job.Title)
	return job, nil
}

// Open validates id and opens its artifact for streaming. Deletion is only
// scheduled when the caller reports the stream as started.
func (s *Service) Open(_ context.Context, id string) (*Artifact, error) {
	if err := jobid.Validate(id); err != nil {
		return nil, ErrInvalidID
	}
	f, size, err := s.store.Open(id)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a := &Artifact{ID: id, File: f, Size: size, Filename: id + artifact.DefaultExt}
	a.started = func() {
		s.metrics.IncStreams()
		s.reclaimer.Schedule(id, s.cfg.GracePeriod)
		s.logger.Info("stream started", "job_id", id, "bytes", size)
	}
	return a, nil
}

// Status reports what is known about a job.
type Status struct {
	Record    jobs.Record
	Known     bool
	Available bool
	SizeBytes int64
}

// Status looks id up in the registry and the store. A job is unknown only
// if neither has heard of it.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	if err := jobid.Validate(id); err != nil {
		return nil, ErrInvalidID
	}
	st := &Status{Record: jobs.Record{ID: id}}
	rec, err := s.registry.Get(ctx, id)
	switch {
	case err == nil:
		st.Record = rec
		st.Known = true
	case !errors.Is(err, jobs.ErrNotFound):
		return nil, err
	}
	if size, err := s.store.Size(id); err == nil {
		st.Available = true
		st.SizeBytes = size
	}
	if !st.Known && !st.Available {
		return nil, ErrNotFound
	}
	return st, nil
}

// Delete removes a job's artifact and record right away.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := jobid.Validate(id); err != nil {
		return ErrInvalidID
	}
	_, recErr := s.registry.Get(ctx, id)
	if errors.Is(recErr, jobs.ErrNotFound) && !s.store.Exists(id) {
		return ErrNotFound
	}
	err := s.store.Delete(id)
	s.metrics.IncReclaimed("manual", err)
	if err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job deleted", "job_id", id)
	return nil
}

// discard removes whatever a failed extraction left behind.
func (s *Service) discard(id string) {
	if err := s.store.Delete(id); err != nil {
		s.logger.Warn("remove partial artifact", "job_id", id, "error", err)
	}
}

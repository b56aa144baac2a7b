package fal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"fal-openai-adapter/internal/config"
	"fal-openai-adapter/internal/models"
)

// Observation labels what a single poll attempt saw.
type Observation string

const (
	ObservationInProgress     Observation = "in_progress"
	ObservationCompleted      Observation = "completed"
	ObservationCompletedEmpty Observation = "completed_empty"
	ObservationFailed         Observation = "failed"
	ObservationStatusError    Observation = "status_error"
	ObservationResultError    Observation = "result_error"
)

var (
	errJobPending = errors.New("job not ready")
	errJobFailed  = errors.New("job failed")
)

// JobQuerier is the subset of Client the poller needs.
type JobQuerier interface {
	Status(ctx context.Context, endpoints models.BackendEndpoints, apiKey string, handle models.JobHandle) (models.JobStatus, error)
	Result(ctx context.Context, endpoints models.BackendEndpoints, apiKey string, handle models.JobHandle) (models.GenerationResult, error)
}

// Observer receives one call per poll attempt.
type Observer interface {
	ObservePoll(model string, observation string)
}

type nopObserver struct{}

func (nopObserver) ObservePoll(string, string) {}

// Job identifies a submitted job and how to reach it.
type Job struct {
	Model     string
	Endpoints models.BackendEndpoints
	APIKey    string
	Handle    models.JobHandle
}

// PollResult is the terminal state of one poll loop.
type PollResult struct {
	Outcome  models.JobOutcome
	Result   models.GenerationResult
	Attempts int
}

// Poller repeatedly queries a job until it reaches a terminal state, the
// attempt budget runs out or the loop deadline passes.
type Poller struct {
	querier     JobQuerier
	maxAttempts int
	interval    time.Duration
	deadline    time.Duration
	observer    Observer
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithDeadline caps the wall-clock time of one poll loop, backend calls
// included. Zero leaves the loop bounded by attempts only.
func WithDeadline(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.deadline = d
	}
}

// NewPoller constructs a poller. A nil observer discards observations.
func NewPoller(querier JobQuerier, cfg config.PollConfig, observer Observer, opts ...PollerOption) (*Poller, error) {
	if querier == nil {
		return nil, errors.New("job querier must not be nil")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if observer == nil {
		observer = nopObserver{}
	}
	p := &Poller{
		querier:     querier,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
		observer:    observer,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.deadline < 0 {
		return nil, errors.New("poll deadline must not be negative")
	}
	return p, nil
}

// Poll runs the status loop for job. Transient failures (transport errors,
// non-200 answers, unreadable results) consume an attempt and are retried
// after the fixed interval. A FAILED status ends the loop at once. Running
// past the deadline settles like an exhausted budget. The only error
// returned is the caller's context error, when the caller goes away mid-loop.
func (p *Poller) Poll(ctx context.Context, job Job) (PollResult, error) {
	var (
		res      PollResult
		sawEmpty bool
	)

	loopCtx := ctx
	if p.deadline > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	backoff := retry.WithMaxRetries(uint64(p.maxAttempts-1), retry.NewConstant(p.interval))
	err := retry.Do(loopCtx, backoff, func(ctx context.Context) error {
		res.Attempts++
		obs, urls := p.attempt(ctx, job, res.Attempts)
		// A call aborted by cancellation or the deadline saw nothing.
		if obs == ObservationStatusError || obs == ObservationResultError {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		p.observer.ObservePoll(job.Model, string(obs))

		switch obs {
		case ObservationCompleted:
			res.Result = models.GenerationResult{ImageURLs: urls}
			return nil
		case ObservationFailed:
			return errJobFailed
		case ObservationCompletedEmpty:
			sawEmpty = true
		}
		return retry.RetryableError(errJobPending)
	})

	switch {
	case err == nil:
		res.Outcome = models.OutcomeCompletedWithImages
	case errors.Is(err, errJobFailed):
		res.Outcome = models.OutcomeFailed
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(err, errJobPending) || loopCtx.Err() != nil:
		res.Outcome = models.OutcomeExhausted
		if sawEmpty {
			res.Outcome = models.OutcomeCompletedEmpty
		}
		slog.Warn("polling budget exhausted",
			"request_id", job.Handle.RequestID,
			"attempts", res.Attempts,
			"outcome", res.Outcome,
			"deadline_hit", loopCtx.Err() != nil,
		)
	default:
		return res, err
	}

	return res, nil
}

func (p *Poller) attempt(ctx context.Context, job Job, n int) (Observation, []string) {
	status, err := p.querier.Status(ctx, job.Endpoints, job.APIKey, job.Handle)
	if err != nil {
		slog.Warn("status poll failed",
			"request_id", job.Handle.RequestID,
			"attempt", n,
			"max_attempts", p.maxAttempts,
			"err", err,
		)
		return ObservationStatusError, nil
	}

	slog.Debug("job status",
		"request_id", job.Handle.RequestID,
		"attempt", n,
		"max_attempts", p.maxAttempts,
		"status", status,
	)

	switch status {
	case models.JobStatusFailed:
		slog.Warn("generation failed", "request_id", job.Handle.RequestID, "attempt", n)
		return ObservationFailed, nil
	case models.JobStatusCompleted:
		result, err := p.querier.Result(ctx, job.Endpoints, job.APIKey, job.Handle)
		if err != nil {
			// Indistinguishable from "still running" for the loop; it only
			// shows up separately in logs and metrics.
			slog.Warn("job completed but result unavailable, continuing to poll",
				"request_id", job.Handle.RequestID,
				"attempt", n,
				"err", err,
			)
			return ObservationResultError, nil
		}
		if len(result.ImageURLs) == 0 {
			slog.Info("job completed without images, continuing to poll",
				"request_id", job.Handle.RequestID,
				"attempt", n,
			)
			return ObservationCompletedEmpty, nil
		}
		return ObservationCompleted, result.ImageURLs
	default:
		return ObservationInProgress, nil
	}
}

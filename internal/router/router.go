package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fal-openai-adapter/internal/credential"
	"fal-openai-adapter/internal/models"
	"fal-openai-adapter/internal/provider"
	"fal-openai-adapter/internal/provider/fal"
)

const outcomeCancelled = "cancelled"

// Submitter creates backend jobs.
type Submitter interface {
	Submit(ctx context.Context, endpoints models.BackendEndpoints, apiKey string, req models.GenerationRequest) (models.JobHandle, error)
}

// Poller waits for a submitted job to settle.
type Poller interface {
	Poll(ctx context.Context, job fal.Job) (fal.PollResult, error)
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordJob(model, outcome string, elapsed time.Duration)
	RecordFallback()
}

type nopRecorder struct{}

func (nopRecorder) RecordJob(string, string, time.Duration) {}
func (nopRecorder) RecordFallback() {}

// Router runs the submit, poll and assemble pipeline for one request.
type Router struct {
	registry  *provider.Registry
	submitter Submitter
	poller    Poller
	recorder  Recorder
}

// New constructs a router. A nil recorder discards metrics.
func New(registry *provider.Registry, submitter Submitter, poller Poller, recorder Recorder) *Router {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Router{
		registry:  registry,
		submitter: submitter,
		poller:    poller,
		recorder:  recorder,
	}
}

// DefaultModel is the id used when a request names no model.
func (r *Router) DefaultModel() string {
	return r.registry.DefaultModel()
}

// Models lists every routable id, aliases included.
func (r *Router) Models() []models.Model {
	return r.registry.Models()
}

// Generate submits req and polls it to a terminal outcome. Exhausted and
// empty outcomes are returned without error; a FAILED job is a
// KindGenerationFailed error. The returned generation echoes req.Model even
// when the request was routed to the default model.
func (r *Router) Generate(ctx context.Context, apiKey string, req models.GenerationRequest) (*models.Generation, error) {
	started := time.Now()

	endpoints, fallback := r.registry.Resolve(req.Model)
	routedModel := req.Model
	if fallback {
		routedModel = r.registry.DefaultModel()
		slog.Warn("unknown model, routing to default",
			"model", req.Model,
			"default_model", routedModel,
		)
		r.recorder.RecordFallback()
	}

	submission := req
	if submission.ImageCount < 1 {
		submission.ImageCount = 1
	}

	slog.Info("submitting generation job",
		"model", routedModel,
		"submit_url", endpoints.SubmitURL,
		"image_count", submission.ImageCount,
		"api_key", credential.Redact(apiKey),
	)

	handle, err := r.submitter.Submit(ctx, endpoints, apiKey, submission)
	if err != nil {
		r.recorder.RecordJob(routedModel, string(provider.KindOf(err)), time.Since(started))
		return nil, fmt.Errorf("submit %s: %w", routedModel, err)
	}

	slog.Info("generation job submitted", "model", routedModel, "request_id", handle.RequestID)

	res, err := r.poller.Poll(ctx, fal.Job{
		Model:     routedModel,
		Endpoints: endpoints,
		APIKey:    apiKey,
		Handle:    handle,
	})
	if err != nil {
		outcome := string(provider.KindServer)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = outcomeCancelled
		}
		r.recorder.RecordJob(routedModel, outcome, time.Since(started))
		return nil, fmt.Errorf("poll %s: %w", handle.RequestID, err)
	}

	elapsed := time.Since(started)
	r.recorder.RecordJob(routedModel, string(res.Outcome), elapsed)
	slog.Info("generation job settled",
		"model", routedModel,
		"request_id", handle.RequestID,
		"outcome", res.Outcome,
		"attempts", res.Attempts,
		"images", len(res.Result.ImageURLs),
		"elapsed", elapsed,
	)

	if res.Outcome == models.OutcomeFailed {
		return nil, provider.NewError(provider.KindGenerationFailed, 0, "Image generation failed", provider.ErrGenerationFailed)
	}

	return &models.Generation{
		Model:    req.Model,
		Prompt:   req.Prompt,
		Handle:   handle,
		Outcome:  res.Outcome,
		Result:   res.Result,
		Attempts: res.Attempts,
	}, nil
}

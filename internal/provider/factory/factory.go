package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"fal-openai-adapter/internal/config"
	"fal-openai-adapter/internal/provider"
	"fal-openai-adapter/internal/provider/fal"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Backend bundles everything the router needs to reach fal.
type Backend struct {
	Registry *provider.Registry
	Client   *fal.Client
	Poller   *fal.Poller
}

// Build constructs the model registry, HTTP client and poller from
// configuration. observer may be nil.
func Build(cfg config.Config, userAgent string, observer fal.Observer) (*Backend, error) {
	registry, err := provider.NewRegistry(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}

	client, err := fal.NewClient(newHTTPClient(cfg.Backend.RequestTimeout), userAgent)
	if err != nil {
		return nil, fmt.Errorf("initialise fal client: %w", err)
	}

	poller, err := fal.NewPoller(client, cfg.Backend.Poll, observer, fal.WithDeadline(cfg.Backend.PollDeadline()))
	if err != nil {
		return nil, fmt.Errorf("initialise poller: %w", err)
	}

	return &Backend{
		Registry: registry,
		Client:   client,
		Poller:   poller,
	}, nil
}

// newHTTPClient bounds each individual backend call; the poll loop as a
// whole is bounded by the attempt budget and the request context.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

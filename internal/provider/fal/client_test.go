package fal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fal-openai-adapter/internal/models"
	"fal-openai-adapter/internal/provider"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(http.DefaultClient, "fal-openai-adapter/test")
	require.NoError(t, err)
	return client
}

func endpointsFor(server *httptest.Server) models.BackendEndpoints {
	return models.BackendEndpoints{
		SubmitURL:     server.URL + "/fal-ai/recraft-v3",
		StatusBaseURL: server.URL + "/fal-ai/recraft-v3",
	}
}

func TestSubmitSuccess(t *testing.T) {
	var captured submitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fal-ai/recraft-v3", r.URL.Path)
		assert.Equal(t, "Key secret-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "fal-openai-adapter/test", r.Header.Get("User-Agent"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req-123","status":"IN_QUEUE"}`))
	}))
	defer server.Close()

	handle, err := newTestClient(t).Submit(context.Background(), endpointsFor(server), "secret-key", models.GenerationRequest{
		Model:  "recraft-v3",
		Prompt: "a cat",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-123", handle.RequestID)
	assert.Equal(t, submitRequest{Prompt: "a cat", NumImages: 1}, captured)
}

func TestSubmitForwardsImageCount(t *testing.T) {
	var captured submitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"request_id":"req-1"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t).Submit(context.Background(), endpointsFor(server), "k", models.GenerationRequest{Prompt: "dogs", ImageCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, captured.NumImages)
}

func TestSubmitMissingRequestID(t *testing.T) {
	for name, body := range map[string]string{
		"no field":   `{"status":"IN_QUEUE"}`,
		"empty":      `{"request_id":""}`,
		"not json":   `<html>ok</html>`,
		"wrong type": `{"request_id":42}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := newTestClient(t).Submit(context.Background(), endpointsFor(server), "k", models.GenerationRequest{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, provider.KindBackendProtocol, provider.KindOf(err))
			assert.ErrorIs(t, err, provider.ErrMissingRequestID)
		})
	}
}

func TestSubmitAuthenticationFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"detail":"Invalid API key"}`))
		}))

		_, err := newTestClient(t).Submit(context.Background(), endpointsFor(server), "bad", models.GenerationRequest{Prompt: "x"})
		server.Close()

		var perr *provider.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, provider.KindAuthentication, perr.Kind)
		assert.Equal(t, status, perr.StatusCode)
		assert.Equal(t, "Authentication error with Fal API: Invalid API key", perr.Message)
	}
}

func TestSubmitBackendErrorMessages(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "openai style", body: `{"error":{"message":"overloaded"}}`, want: "Fal API error: overloaded"},
		{name: "detail list", body: `{"detail":[{"msg":"field required"}]}`, want: `Fal API error: [{"msg":"field required"}]`},
		{name: "raw text", body: "upstream exploded\n", want: "Fal API error: upstream exploded"},
		{name: "string error", body: `{"error":"nope"}`, want: `Fal API error: {"error":"nope"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := newTestClient(t).Submit(context.Background(), endpointsFor(server), "k", models.GenerationRequest{Prompt: "x"})
			var perr *provider.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, provider.KindBackend, perr.Kind)
			assert.Equal(t, http.StatusUnprocessableEntity, perr.StatusCode)
			assert.Equal(t, tc.want, perr.Message)
		})
	}
}

func TestSubmitTransportErrorIsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoints := endpointsFor(server)
	server.Close()

	_, err := newTestClient(t).Submit(context.Background(), endpoints, "k", models.GenerationRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, provider.KindServer, provider.KindOf(err))
	assert.Contains(t, err.Error(), "Server error: ")
}

func TestStatus(t *testing.T) {
	responses := map[string]struct {
		code int
		body string
	}{
		"req-queued":  {code: http.StatusOK, body: `{"status":"IN_QUEUE","queue_position":3}`},
		"req-running": {code: http.StatusOK, body: `{"status":"IN_PROGRESS"}`},
		"req-done":    {code: http.StatusOK, body: `{"status":"COMPLETED"}`},
		"req-failed":  {code: http.StatusOK, body: `{"status":"FAILED"}`},
		"req-lower":   {code: http.StatusOK, body: `{"status":"failed"}`},
		"req-broken":  {code: http.StatusBadGateway, body: `bad gateway`},
		"req-garbled": {code: http.StatusOK, body: `{"status":`},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Key k", r.Header.Get("Authorization"))
		for id, resp := range responses {
			if r.URL.Path == "/fal-ai/recraft-v3/requests/"+id+"/status" {
				w.WriteHeader(resp.code)
				_, _ = w.Write([]byte(resp.body))
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t)
	endpoints := endpointsFor(server)
	check := func(id string) (models.JobStatus, error) {
		return client.Status(context.Background(), endpoints, "k", models.JobHandle{RequestID: id})
	}

	status, err := check("req-queued")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, status)

	status, err = check("req-running")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, status)

	status, err = check("req-done")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status)

	status, err = check("req-failed")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status)

	status, err = check("req-lower")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, status)

	_, err = check("req-broken")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	_, err = check("req-garbled")
	assert.Error(t, err)
}

func TestResultExtractsURLsInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fal-ai/recraft-v3/requests/req-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"images":[
			{"url":"https://cdn/b.png","width":1024},
			"not-an-object",
			{"content_type":"image/png"},
			{"url":"https://cdn/a.png"},
			{"url":"https://cdn/b.png"}
		],"seed":42}`))
	}))
	defer server.Close()

	result, err := newTestClient(t).Result(context.Background(), endpointsFor(server), "k", models.JobHandle{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/b.png", "https://cdn/a.png", "https://cdn/b.png"}, result.ImageURLs)
}

func TestResultEmptyAndErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fal-ai/recraft-v3/requests/empty":
			_, _ = w.Write([]byte(`{"images":[]}`))
		case "/fal-ai/recraft-v3/requests/none":
			_, _ = w.Write([]byte(`{"seed":1}`))
		case "/fal-ai/recraft-v3/requests/garbled":
			_, _ = w.Write([]byte(`{"images":[`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := newTestClient(t)
	endpoints := endpointsFor(server)

	result, err := client.Result(context.Background(), endpoints, "k", models.JobHandle{RequestID: "empty"})
	require.NoError(t, err)
	assert.Empty(t, result.ImageURLs)

	result, err = client.Result(context.Background(), endpoints, "k", models.JobHandle{RequestID: "none"})
	require.NoError(t, err)
	assert.Empty(t, result.ImageURLs)

	_, err = client.Result(context.Background(), endpoints, "k", models.JobHandle{RequestID: "garbled"})
	assert.Error(t, err)

	_, err = client.Result(context.Background(), endpoints, "k", models.JobHandle{RequestID: "missing"})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestNewClientRequiresHTTPClient(t *testing.T) {
	_, err := NewClient(nil, "")
	assert.Error(t, err)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tidwall/gjson"

	"fal-openai-adapter/internal/config"
	"fal-openai-adapter/internal/credential"
	"fal-openai-adapter/internal/metrics"
	"fal-openai-adapter/internal/models"
	"fal-openai-adapter/internal/provider"
	"fal-openai-adapter/internal/router"
	"fal-openai-adapter/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	writeTimeoutMargin  = 30 * time.Second
	idleTimeout         = 120 * time.Second

	missingKeyMessage      = "Missing API key. Provide it in the Authorization header."
	missingKeyShortMessage = "Missing API key."
	invalidBodyMessage     = "Missing or invalid request body"

	typeAuthentication = "authentication_error"
	typeInvalidAPIKey  = "invalid_api_key"
	typeInvalidRequest = "invalid_request_error"
	typeFalAPI         = "fal_api_error"
	typeServer         = "server_error"
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	metrics *metrics.Collector
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware. A nil
// collector disables /metrics.
func New(cfg config.Config, rt *router.Router, collector *metrics.Collector) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("request", attrs...)

			if collector != nil {
				path := c.Path()
				if path == "" {
					path = "unmatched"
				}
				collector.RecordHTTPRequest(v.Method, path, v.Status, v.Latency)
			}
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		metrics: collector,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the echo instance for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.router.DefaultModel())
	slog.Info("starting server",
		"addr", s.address,
		"max_poll_attempts", s.cfg.Backend.Poll.MaxAttempts,
		"poll_interval", s.cfg.Backend.Poll.Interval,
	)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout(s.cfg),
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// writeTimeout must outlast the submit call plus the poll loop deadline.
func writeTimeout(cfg config.Config) time.Duration {
	return cfg.Backend.RequestTimeout + cfg.Backend.PollDeadline() + writeTimeoutMargin
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/images/generations", s.handleImageGenerations)
	s.app.POST("/v1/messages", s.handleClaudeMessages)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromModels(s.router.Models()))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	apiKey, err := requireCredential(c, missingKeyMessage)
	if err != nil {
		return err
	}

	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.Stream {
		slog.Debug("streaming requested, answering with a single completion")
	}

	res, err := s.generate(c.Request().Context(), apiKey, req.ToChat())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, translator.FromReply(res.model, time.Now().Unix(), res.reply))
}

func (s *Server) handleImageGenerations(c echo.Context) error {
	apiKey, err := requireCredential(c, missingKeyShortMessage)
	if err != nil {
		return err
	}

	var req translator.ImageGenerationRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	res, err := s.generate(c.Request().Context(), apiKey, req.ToChat())
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if !req.WantsImageData() {
		return c.JSON(http.StatusOK, translator.FromReply(res.model, now, res.reply))
	}
	if res.generation == nil {
		return c.JSON(http.StatusOK, translator.ImageGenerationResponse{Created: now, Data: []translator.ImageData{}})
	}
	return c.JSON(http.StatusOK, translator.FromGenerationImages(now, res.generation))
}

func (s *Server) handleClaudeMessages(c echo.Context) error {
	apiKey := strings.TrimSpace(c.Request().Header.Get("x-api-key"))
	if apiKey == "" {
		var err error
		if apiKey, err = requireCredential(c, missingKeyMessage); err != nil {
			return err
		}
	}

	var req translator.ClaudeMessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	res, err := s.generate(c.Request().Context(), apiKey, req.ToChat())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, translator.FromReplyClaude(res.model, res.reply))
}

type pipelineResult struct {
	model      string
	reply      models.Reply
	generation *models.Generation
}

// generate answers with an invitation when the conversation carries no
// prompt; otherwise it runs the pipeline. generation is nil for invitations.
func (s *Server) generate(ctx context.Context, apiKey string, chat models.ChatRequest) (pipelineResult, error) {
	model := chat.Model
	if model == "" {
		model = s.router.DefaultModel()
	}

	prompt, ok := translator.LatestUserPrompt(chat.Messages)
	if !ok {
		slog.Info("no user prompt, answering with invitation", "model", model)
		return pipelineResult{
			model: model,
			reply: translator.InvitationReply(chat.Messages, time.Now()),
		}, nil
	}

	gen, err := s.router.Generate(ctx, apiKey, models.GenerationRequest{
		Model:      model,
		Prompt:     prompt,
		ImageCount: chat.ImageCount,
	})
	if err != nil {
		return pipelineResult{}, toHTTPError(err)
	}

	return pipelineResult{
		model:      model,
		reply:      translator.GenerationReply(gen),
		generation: gen,
	}, nil
}

func requireCredential(c echo.Context, missingMessage string) (string, error) {
	apiKey := credential.Extract(c.Request().Header.Get(echo.HeaderAuthorization))
	if apiKey == "" {
		slog.Warn("request without API key", "path", c.Path())
		return "", requestError{
			Status:  http.StatusUnauthorized,
			Message: missingMessage,
			Type:    typeAuthentication,
		}
	}
	return apiKey, nil
}

// decodeRequestBody requires a single non-empty JSON object.
func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	var raw json.RawMessage
	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: invalidBodyMessage,
				Type:    typeInvalidRequest,
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("%s: %v", invalidBodyMessage, err),
			Type:    typeInvalidRequest,
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    typeInvalidRequest,
		}
	}

	if parsed := gjson.ParseBytes(raw); !parsed.IsObject() || len(parsed.Map()) == 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: invalidBodyMessage,
			Type:    typeInvalidRequest,
		}
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("%s: %v", invalidBodyMessage, err),
			Type:    typeInvalidRequest,
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    int
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string, code int) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		if reqErr.Status >= http.StatusInternalServerError {
			slog.Error("request failed", "status", reqErr.Status, "type", reqErr.Type, "message", reqErr.Message)
		}
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		errType := typeInvalidRequest
		if he.Code >= http.StatusInternalServerError {
			errType = typeServer
		}
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), errType, 0)
		return
	}

	slog.Error("unhandled error", "err", err)
	_ = writeError(c, http.StatusInternalServerError, "Server error: "+err.Error(), typeServer, 0)
}

// toHTTPError maps the pipeline's error taxonomy onto status codes and type tags.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Info("caller went away before the job settled", "err", err)
	}

	var perr *provider.Error
	if !errors.As(err, &perr) {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "Server error: " + err.Error(),
			Type:    typeServer,
		}
	}

	switch perr.Kind {
	case provider.KindAuthentication:
		return requestError{
			Status:  http.StatusUnauthorized,
			Message: perr.Message,
			Type:    typeInvalidAPIKey,
			Code:    perr.StatusCode,
		}
	case provider.KindInvalidRequest:
		return requestError{
			Status:  http.StatusBadRequest,
			Message: perr.Error(),
			Type:    typeInvalidRequest,
		}
	case provider.KindBackend:
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: perr.Message,
			Type:    typeFalAPI,
			Code:    perr.StatusCode,
		}
	case provider.KindBackendProtocol:
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: perr.Error(),
			Type:    typeFalAPI,
		}
	case provider.KindGenerationFailed:
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: perr.Error(),
			Type:    string(provider.KindGenerationFailed),
		}
	default:
		message := perr.Error()
		if perr.Message == "" {
			message = "Server error: " + message
		}
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: message,
			Type:    typeServer,
		}
	}
}

func printStartupBanner(port int, defaultModel string) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("fal-openai-adapter ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/images/generations")
	fmt.Println("  POST /v1/messages")
	fmt.Printf("Unknown models are routed to %s. Pass your fal key as the bearer token.\n", defaultModel)
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Authorization: Bearer $FAL_KEY' -H 'Content-Type: application/json' -d '{\"model\":\"recraft-v3\",\"messages\":[{\"role\":\"user\",\"content\":\"a lighthouse at dusk\"}]}'\n\n", host, port)
}

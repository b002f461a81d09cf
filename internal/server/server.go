package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"sparkle-gateway/internal/config"
	"sparkle-gateway/internal/gateway"
	"sparkle-gateway/internal/models"
)

//go:embed web
var webFS embed.FS

const (
	// img2img requests carry a base64 source image and optional mask.
	maxBodyBytes        = 8 << 20
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second

	defaultStreamContentType = "application/x-ndjson"

	txt2imgStrength = 1.0
	img2imgStrength = 0.75
)

// Gateway is the upstream surface the server depends on. Declared here so
// tests can substitute a fake upstream.
type Gateway interface {
	ChatStream(ctx context.Context, messages []models.ChatMessage, maxTokens int) (io.ReadCloser, string, error)
	GenerateImage(ctx context.Context, req models.ImageRequest) ([]byte, string, error)
}

type Server struct {
	cfg     config.Config
	gw      Gateway
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, gw Gateway) (*Server, error) {
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = gatewayErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' data:; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		gw:      gw,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	// WriteTimeout stays zero: a chat stream holds the response open for as
	// long as the model keeps producing tokens.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
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

// Handler exposes the underlying HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.POST("/api/chat", s.handleChat)
	s.app.POST("/api/generate-image", s.handleGenerateImage)

	// The API surface is POST-only: other methods on known paths are 405 and
	// unknown /api/ paths are 404, both plain text. Registered explicitly so
	// the static catch-all below never swallows an /api/ request.
	otherMethods := []string{
		http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions,
	}
	for _, method := range otherMethods {
		s.app.Add(method, "/api/chat", methodNotAllowed)
		s.app.Add(method, "/api/generate-image", methodNotAllowed)
	}
	s.app.RouteNotFound("/api/*", apiNotFound)

	s.app.StaticFS("/", echo.MustSubFS(webFS, "web"))
}

func methodNotAllowed(echo.Context) error {
	return echo.ErrMethodNotAllowed
}

func apiNotFound(echo.Context) error {
	return echo.ErrNotFound
}

// handleChat forwards a conversation to the chat model and streams the
// response body through untouched; the consumer on the other end performs the
// incremental reconstruction.
func (s *Server) handleChat(c echo.Context) error {
	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		slog.Error("chat request rejected", "err", err)
		return apiError{Status: http.StatusInternalServerError, Message: "Failed to process request"}
	}

	messages := req.Messages
	if !req.HasSystemMessage() {
		messages = append([]models.ChatMessage{
			{Role: models.RoleSystem, Content: s.cfg.Chat.SystemPrompt},
		}, messages...)
	}

	body, contentType, err := s.gw.ChatStream(c.Request().Context(), messages, s.cfg.Chat.MaxTokens)
	if err != nil {
		slog.Error("chat stream failed", "err", err)
		return apiError{Status: http.StatusInternalServerError, Message: "Failed to process request"}
	}
	defer body.Close()

	if contentType == "" {
		contentType = defaultStreamContentType
	}
	return streamBody(c, contentType, body)
}

// streamBody relays the upstream body to the client fragment by fragment,
// flushing after each read so tokens reach the consumer as they are produced.
func streamBody(c echo.Context, contentType string, body io.Reader) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return apiError{Status: http.StatusInternalServerError, Message: "Failed to process request"}
	}

	header := c.Response().Header()
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-cache")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 4*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("relay stream fragment: %w", writeErr)
			}
			flusher.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// Headers are already on the wire; dropping the connection is the
			// only remaining signal.
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

// handleGenerateImage validates the prompt, fills configured defaults,
// invokes the diffusion model, and returns the normalised result as a JSON
// base64 payload.
func (s *Server) handleGenerateImage(c echo.Context) error {
	var req models.ImageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Prompt) == "" {
		return apiError{Status: http.StatusBadRequest, Message: "Prompt cannot be empty"}
	}

	s.applyImageDefaults(&req)

	body, contentType, err := s.gw.GenerateImage(c.Request().Context(), req)
	if err != nil {
		slog.Error("image generation failed", "err", err)
		return apiError{Status: http.StatusInternalServerError, Message: "Failed to generate image"}
	}

	result, err := gateway.Normalize(body, contentType)
	if err != nil {
		slog.Error("image response rejected", "content_type", contentType, "err", err)
		return apiError{
			Status:  http.StatusInternalServerError,
			Message: "Invalid AI response format",
			Details: err.Error(),
		}
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Server) applyImageDefaults(req *models.ImageRequest) {
	if req.Width <= 0 {
		req.Width = s.cfg.Image.Width
	}
	if req.Height <= 0 {
		req.Height = s.cfg.Image.Height
	}
	if req.NumSteps <= 0 {
		req.NumSteps = s.cfg.Image.Steps
	}
	if req.Guidance <= 0 {
		req.Guidance = s.cfg.Image.Guidance
	}
	if req.Strength <= 0 {
		if req.WantsImg2Img() {
			req.Strength = img2imgStrength
		} else {
			req.Strength = txt2imgStrength
		}
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return apiError{Status: http.StatusBadRequest, Message: "Request body is required"}
		}
		return apiError{Status: http.StatusBadRequest, Message: fmt.Sprintf("Invalid JSON payload: %v", err)}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return apiError{Status: http.StatusBadRequest, Message: "Request body must contain a single JSON object"}
	}
	return nil
}

type apiError struct {
	Status  int
	Message string
	Details string
}

func (e apiError) Error() string {
	return e.Message
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// gatewayErrorHandler renders handler failures as JSON error objects and
// routing failures (unknown path, wrong method) as plain text.
func gatewayErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr apiError
	if errors.As(err, &apiErr) {
		_ = c.JSON(apiErr.Status, errorBody{Error: apiErr.Message, Details: apiErr.Details})
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.String(httpErr.Code, fmt.Sprintf("%v", httpErr.Message))
		return
	}

	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("sparkle-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  POST /api/chat")
	fmt.Println("  POST /api/generate-image")
	fmt.Println("  GET  /  (chat UI)")
	fmt.Printf("Chat example:\n  curl -N http://%s:%d/api/chat -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"braincolab/internal/catalog"
	"braincolab/internal/config"
	"braincolab/internal/gateway"
	"braincolab/internal/knowledge"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readHeaderTimeout   = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg      config.Config
	catalog  *catalog.Catalog
	gateway  *gateway.Client
	notes    *knowledge.Store
	inflight *inflightGuard
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, cat *catalog.Catalog, gw *gateway.Client, notes *knowledge.Store) (*Server, error) {
	if cat == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if gw == nil {
		return nil, errors.New("gateway client must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

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
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         31536000,
	}))

	if !cfg.RateLimit.Disabled {
		perSecond := rate.Limit(float64(cfg.RateLimit.RequestsPerMinute) / 60.0)
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  perSecond,
				Burst: cfg.RateLimit.RequestsPerMinute,
			}),
			ErrorHandler: func(c echo.Context, err error) error {
				return requestError{Status: http.StatusTooManyRequests, Message: "Rate limit exceeded"}
			},
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return requestError{Status: http.StatusTooManyRequests, Message: "Rate limit exceeded"}
			},
		}))
	}

	srv := &Server{
		cfg:      cfg,
		catalog:  cat,
		gateway:  gw,
		notes:    notes,
		inflight: newInflightGuard(),
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.app,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		// No WriteTimeout: SSE responses stay open for as long as the
		// upstream keeps producing; the relay's own watchdog bounds stalls.
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

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/api/chat", s.handleChat)
	s.app.GET("/api/models", s.handleModels)
	s.app.GET("/api/credits", s.handleCredits)
	s.app.GET("/api/knowledge/notes", s.handleKnowledgeNotes)
	s.app.GET("/api/knowledge/graph", s.handleKnowledgeGraph)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}

// requestError carries a status and the flat {error, details} body shape
// every API route responds with.
type requestError struct {
	Status  int
	Message string
	Details string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(c echo.Context, status int, message, details string) error {
	return c.JSON(status, errorBody{Error: message, Details: details})
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		// Streaming already started; the relay handles in-band reporting.
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Details)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := fmt.Sprintf("%v", he.Message)
		if he.Code == http.StatusMethodNotAllowed {
			message = "Method not allowed"
		}
		_ = writeError(c, he.Code, message, "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "")
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("braincolab ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /api/chat")
	fmt.Println("  GET  /api/models")
	fmt.Println("  GET  /api/credits")
	fmt.Println("  GET  /api/knowledge/notes")
	fmt.Println("  GET  /api/knowledge/graph")
	fmt.Printf("Chat example:\n  curl -N http://%s:%d/api/chat -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o-mini\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}

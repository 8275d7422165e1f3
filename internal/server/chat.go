package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"braincolab/internal/gateway"
	"braincolab/internal/sse"
)

// maxContentLength bounds a single message's content, in characters.
const maxContentLength = 100000

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// relayRequest is the caller-facing chat request. Conversation is an
// optional key used to serialize generations: at most one request per key
// may be in flight.
type relayRequest struct {
	Conversation string        `json:"conversation,omitempty"`
	Messages     []chatMessage `json:"messages"`
	Model        string        `json:"model"`
	MaxTokens    *int          `json:"max_tokens,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
}

func validateRelayRequest(req relayRequest) error {
	if len(req.Messages) == 0 || strings.TrimSpace(req.Model) == "" {
		return requestError{Status: http.StatusBadRequest, Message: "Missing messages or model"}
	}

	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("message %d: invalid role %q, must be one of user, assistant, system", i, msg.Role),
			}
		}
		if msg.Content == "" {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("message %d: content must be a non-empty string", i),
			}
		}
		if utf8.RuneCountInString(msg.Content) > maxContentLength {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("message %d: content exceeds maximum length", i),
			}
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("temperature must be in [0, 2], got %g", *req.Temperature),
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("max_tokens must be positive, got %d", *req.MaxTokens),
		}
	}

	return nil
}

// handleChat relays one chat-completion request. Validation and upstream
// non-success outcomes produce conventional JSON errors; once the first
// delta has been forwarded the response is committed as an SSE stream, and
// any later failure is reported in-band.
func (s *Server) handleChat(c echo.Context) error {
	var req relayRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := validateRelayRequest(req); err != nil {
		return err
	}

	if !s.gateway.Configured() {
		return requestError{Status: http.StatusInternalServerError, Message: gateway.ErrNoAPIKey.Error()}
	}

	if req.Conversation != "" {
		if !s.inflight.acquire(req.Conversation) {
			return requestError{
				Status:  http.StatusConflict,
				Message: "A generation is already in progress for this conversation",
			}
		}
		defer s.inflight.release(req.Conversation)
	}

	messages := make([]gateway.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		// only role and content go upstream
		messages = append(messages, gateway.Message{Role: msg.Role, Content: msg.Content})
	}

	greq := gateway.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   s.cfg.Gateway.MaxTokens,
		Temperature: s.cfg.Gateway.Temperature,
	}
	if req.MaxTokens != nil {
		greq.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		greq.Temperature = *req.Temperature
	}

	streamID := uuid.NewString()
	resp := c.Response()
	streaming := false

	beginStream := func() {
		header := resp.Header()
		header.Set(echo.HeaderContentType, "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		resp.WriteHeader(http.StatusOK)
		streaming = true
	}

	ctx := c.Request().Context()
	err := s.gateway.StreamChat(ctx, greq, func(delta string) error {
		if !streaming {
			beginStream()
		}
		if err := sse.WriteFrame(resp, sse.Frame{Content: delta}); err != nil {
			return err
		}
		resp.Flush()
		return nil
	})

	if err != nil {
		if !streaming {
			return toRelayError(err)
		}
		reportStreamFailure(resp, streamID, err)
		return nil
	}

	if !streaming {
		// upstream completed without a single delta; still a valid stream
		beginStream()
	}
	if err := sse.WriteDone(resp); err != nil {
		slog.Error("failed to write stream sentinel", "stream", streamID, "err", err)
		return nil
	}
	resp.Flush()
	return nil
}

// reportStreamFailure makes a best effort to deliver an in-band error frame
// on an already-committed stream, then lets the connection close without
// the [DONE] sentinel so the consumer can tell the result is incomplete.
func reportStreamFailure(resp *echo.Response, streamID string, err error) {
	slog.Error("stream failed after commit", "stream", streamID, "err", err)

	message := "Failed to process chat request"
	if errors.Is(err, gateway.ErrStreamTimeout) {
		message = gateway.ErrStreamTimeout.Error()
	}
	if errors.Is(err, gateway.ErrUpstreamRead) {
		message = gateway.ErrUpstreamRead.Error()
	}
	if errors.Is(err, context.Canceled) {
		// client is gone; nothing to report to
		return
	}

	if writeErr := sse.WriteFrame(resp, sse.Frame{Error: message}); writeErr != nil {
		return
	}
	resp.Flush()
}

func toRelayError(err error) error {
	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) {
		message := fmt.Sprintf("AI Gateway error: %d", gwErr.Status)
		if gwErr.Status == http.StatusUnauthorized {
			message = "Invalid API key. Please check your AI_GATEWAY_API_KEY environment variable."
		}
		return requestError{Status: gwErr.Status, Message: message, Details: gwErr.Body}
	}

	if errors.Is(err, gateway.ErrNoAPIKey) {
		return requestError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	if errors.Is(err, gateway.ErrStreamTimeout) {
		return requestError{Status: http.StatusGatewayTimeout, Message: err.Error()}
	}
	if errors.Is(err, gateway.ErrUpstreamRead) {
		return requestError{Status: http.StatusBadGateway, Message: gateway.ErrUpstreamRead.Error(), Details: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "Failed to process chat request",
		Details: err.Error(),
	}
}

// inflightGuard tracks conversations with a generation in progress so a
// second concurrent request for the same key is rejected instead of racing
// the first.
type inflightGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{active: make(map[string]struct{})}
}

func (g *inflightGuard) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[key]; busy {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

func (g *inflightGuard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}

// Package gateway implements the streaming client for the upstream AI
// Gateway aggregator: one chat-completions request per invocation, with a
// per-read watchdog so a stalled upstream can never hang the relay.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"braincolab/internal/sse"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "braincolab/0.1"

	readChunkSize = 4 << 10
	maxErrorBody  = 64 * 1024
)

// ErrNoAPIKey reports a missing gateway credential. No upstream call is
// made when it is returned.
var ErrNoAPIKey = errors.New("AI Gateway API key not configured. Please set " +
	"AI_GATEWAY_API_KEY in the environment or gateway.api_key in the config file")

// ErrStreamTimeout reports that no upstream data arrived within the
// configured per-read bound. The bound covers each individual read, not the
// whole stream; a slow but steady stream can run indefinitely.
var ErrStreamTimeout = errors.New("stream timeout - request took too long")

// ErrUpstreamRead reports a transport failure while reading an established
// upstream stream.
var ErrUpstreamRead = errors.New("failed to read AI Gateway stream")

// GatewayError is a non-success upstream response received before any
// streaming began.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("AI Gateway error: %d", e.Status)
}

// Message is one conversational turn as forwarded upstream. Local-only
// fields such as timestamps never reach the gateway.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a fully-resolved streaming chat request; the caller has
// already applied max_tokens/temperature defaults.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Client calls the upstream gateway's chat-completions API.
type Client struct {
	apiKey      string
	chatURL     string
	httpClient  *http.Client
	readTimeout time.Duration
}

// New creates a gateway client. baseURL is the API root, e.g.
// "https://ai-gateway.vercel.sh/v1".
func New(baseURL, apiKey string, readTimeout time.Duration, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return nil, errors.New("gateway base url must not be empty")
	}
	if readTimeout <= 0 {
		return nil, fmt.Errorf("read timeout must be positive, got %s", readTimeout)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		apiKey:      apiKey,
		chatURL:     base + "/chat/completions",
		httpClient:  httpClient,
		readTimeout: readTimeout,
	}, nil
}

// Configured reports whether a gateway credential is present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.apiKey) != ""
}

type chatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

// streamChunk covers the provider-specific field path the gateway uses for
// content deltas: choices[0].delta.content.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamChat opens one streaming request and invokes onDelta for every
// content fragment, in arrival order. It returns nil once the upstream
// terminates the stream with its [DONE] sentinel or closes the body, a
// *GatewayError for a non-success status before streaming, ErrStreamTimeout
// when a single read stalls past the watchdog, and the onDelta error
// verbatim when forwarding fails downstream.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onDelta func(delta string) error) error {
	if !c.Configured() {
		return ErrNoAPIKey
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}

	httpReq, err := c.newRequest(ctx, payload)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call AI Gateway: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			body = nil
		}
		return &GatewayError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	return c.readStream(ctx, resp.Body, onDelta)
}

func (c *Client) newRequest(ctx context.Context, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return req, nil
}

type readResult struct {
	chunk []byte
	err   error
}

// readStream is the re-framing loop. Each iteration races the next body
// read against the watchdog; whichever resolves first decides the
// iteration. Complete upstream lines are parsed for content deltas, a
// partial trailing line waits in the buffer for the next chunk, and a
// malformed frame is skipped rather than aborting the stream.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, onDelta func(string) error) error {
	defer body.Close()

	quit := make(chan struct{})
	defer close(quit)

	reads := make(chan readResult)
	go func() {
		defer close(reads)
		buf := make([]byte, readChunkSize)
		for {
			n, err := body.Read(buf)
			var chunk []byte
			if n > 0 {
				chunk = append([]byte(nil), buf[:n]...)
			}
			select {
			case reads <- readResult{chunk: chunk, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var lines sse.LineBuffer
	watchdog := time.NewTimer(c.readTimeout)
	defer watchdog.Stop()

	for {
		var res readResult
		var ok bool

		select {
		case <-ctx.Done():
			// Closing the body unblocks a reader stuck in Read.
			body.Close()
			return ctx.Err()

		case <-watchdog.C:
			// A chunk that arrived just before the deadline must still be
			// forwarded, so drain the channel once before failing.
			select {
			case res, ok = <-reads:
			default:
			}
			if !ok {
				body.Close()
				return ErrStreamTimeout
			}

		case res, ok = <-reads:
			if !ok {
				return nil
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
		}

		done, err := forwardLines(lines.Push(res.chunk), onDelta)
		if err != nil {
			return err
		}
		if done {
			// [DONE] terminates immediately, regardless of any buffered
			// remainder.
			return nil
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrUpstreamRead, res.err)
		}

		watchdog.Reset(c.readTimeout)
	}
}

func forwardLines(lines []string, onDelta func(string) error) (done bool, err error) {
	for _, line := range lines {
		data, ok := sse.Data(line)
		if !ok {
			continue
		}
		if data == sse.Done {
			return true, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("skipping malformed upstream frame", "err", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onDelta(delta); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Package client drives the relay's streaming protocol from the consuming
// side: it keeps conversation state, appends content deltas to an
// in-progress assistant message as they arrive, supports cancellation, and
// finalizes token/cost estimates when a stream completes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"braincolab/internal/catalog"
	"braincolab/internal/sse"
)

// ErrGenerationInFlight is returned when a send overlaps an unfinished one
// on the same conversation. A conversation has at most one streaming
// message at any time.
var ErrGenerationInFlight = errors.New("a generation is already in progress for this conversation")

// ErrIncompleteStream reports a stream that closed without the [DONE]
// sentinel. The partial content received so far is kept on the message.
var ErrIncompleteStream = errors.New("stream ended before completion")

// RequestError is a non-success relay response received before any
// streaming began.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("chat request failed with status %d: %s", e.Status, e.Message)
}

// StreamError is an in-band error frame received after the stream started.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Usage is the estimated token pair attached to a completed message.
type Usage = catalog.Usage

// Message is one conversation entry as the chat surface renders it. It is
// mutated in place only while IsStreaming is true; afterwards it is final.
type Message struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Model       string    `json:"model,omitempty"`
	Cost        float64   `json:"cost,omitempty"`
	Tokens      *Usage    `json:"tokens,omitempty"`
	IsStreaming bool      `json:"isStreaming,omitempty"`
	IsError     bool      `json:"isError,omitempty"`
}

// Conversation is an ordered message history with single-writer streaming
// state. All mutation happens through Client.Send.
type Conversation struct {
	ID string

	mu       sync.Mutex
	messages []Message
	inFlight bool
}

// NewConversation creates an empty conversation with a fresh key.
func NewConversation() *Conversation {
	return &Conversation{ID: uuid.NewString()}
}

// Messages returns a snapshot of the conversation history.
func (conv *Conversation) Messages() []Message {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

// Client talks to a braincolab relay.
type Client struct {
	chatURL    string
	httpClient *http.Client
	catalog    *catalog.Catalog
}

// New creates a relay client. cat prices completed exchanges; pass the same
// catalog the server was built with.
func New(baseURL string, cat *catalog.Catalog, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return nil, errors.New("relay base url must not be empty")
	}
	if cat == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		chatURL:    base + "/api/chat",
		httpClient: httpClient,
		catalog:    cat,
	}, nil
}

type relayMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type relayPayload struct {
	Conversation string         `json:"conversation"`
	Messages     []relayMessage `json:"messages"`
	Model        string         `json:"model"`
}

// Send appends the user turn and a streaming assistant placeholder, issues
// the relay request, and feeds every received delta to onDelta (which may
// be nil) as it is appended to the placeholder.
//
// Outcomes, reflected on the returned final message state:
//   - normal completion ([DONE] observed): IsStreaming=false, Tokens and
//     Cost estimated locally; nil error
//   - cancellation via ctx: partial content kept as-is, not marked as an
//     error; nil error
//   - failure before any streaming: content replaced with the error text,
//     IsError=true, no cost; *RequestError
//   - in-band error frame after partial content: partial content kept,
//     IsError=true; *StreamError
//   - stream closed without [DONE]: partial kept, IsError=true;
//     ErrIncompleteStream
func (c *Client) Send(ctx context.Context, conv *Conversation, model, text string, onDelta func(delta string)) (Message, error) {
	history, err := conv.begin(model, text)
	if err != nil {
		return Message{}, err
	}
	defer conv.end()

	payload := relayPayload{
		Conversation: conv.ID,
		Messages:     history,
		Model:        model,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		conv.finishFailed(fmt.Sprintf("Error: %v", err))
		return conv.last(), fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		conv.finishFailed(fmt.Sprintf("Error: %v", err))
		return conv.last(), fmt.Errorf("construct chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			conv.finishCancelled()
			return conv.last(), nil
		}
		conv.finishFailed(fmt.Sprintf("Error: %v", err))
		return conv.last(), fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		message := decodeRelayError(resp)
		conv.finishFailed(message)
		return conv.last(), &RequestError{Status: resp.StatusCode, Message: message}
	}

	sawDone, inlineErr, readErr := c.consume(resp.Body, conv, onDelta)

	switch {
	case sawDone:
		inputs := make([]string, 0, len(history))
		for _, m := range history {
			inputs = append(inputs, m.Content)
		}
		conv.finishComplete(c.catalog, inputs, model)
		return conv.last(), nil

	case inlineErr != "":
		conv.finishInterrupted(inlineErr)
		return conv.last(), &StreamError{Message: inlineErr}

	case readErr != nil && ctx.Err() != nil:
		conv.finishCancelled()
		return conv.last(), nil

	case readErr != nil:
		conv.finishInterrupted(readErr.Error())
		return conv.last(), fmt.Errorf("read stream: %w", readErr)

	default:
		// body closed without [DONE]
		if ctx.Err() != nil {
			conv.finishCancelled()
			return conv.last(), nil
		}
		conv.finishInterrupted("stream ended unexpectedly")
		return conv.last(), ErrIncompleteStream
	}
}

// consume reads the relay stream until the sentinel, an in-band error
// frame, cancellation or end of body. Corrupt frames are skipped.
func (c *Client) consume(body io.Reader, conv *Conversation, onDelta func(string)) (sawDone bool, inlineErr string, readErr error) {
	var lines sse.LineBuffer
	buf := make([]byte, 4<<10)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range lines.Push(buf[:n]) {
				data, ok := sse.Data(line)
				if !ok {
					continue
				}
				if data == sse.Done {
					return true, "", nil
				}
				frame, perr := sse.ParseFrame(data)
				if perr != nil {
					continue
				}
				if frame.Error != "" {
					return false, frame.Error, nil
				}
				if frame.Content != "" {
					conv.appendDelta(frame.Content)
					if onDelta != nil {
						onDelta(frame.Content)
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, "", nil
			}
			return false, "", err
		}
	}
}

func decodeRelayError(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return body.Error
		}
	}
	return fmt.Sprintf("Error: %d", resp.StatusCode)
}

// begin appends the user turn and streaming placeholder and returns the
// history to send, which excludes the placeholder itself.
func (conv *Conversation) begin(model, text string) ([]relayMessage, error) {
	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.inFlight {
		return nil, ErrGenerationInFlight
	}
	conv.inFlight = true

	now := time.Now().UTC()
	conv.messages = append(conv.messages,
		Message{Role: "user", Content: text, Timestamp: now},
		Message{Role: "assistant", Timestamp: now, Model: model, IsStreaming: true},
	)

	history := make([]relayMessage, 0, len(conv.messages)-1)
	for _, m := range conv.messages[:len(conv.messages)-1] {
		history = append(history, relayMessage{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

func (conv *Conversation) end() {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	conv.inFlight = false
}

func (conv *Conversation) appendDelta(delta string) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	last := &conv.messages[len(conv.messages)-1]
	if last.IsStreaming {
		last.Content += delta
	}
}

func (conv *Conversation) last() Message {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.messages[len(conv.messages)-1]
}

// finishComplete closes out a successful stream with local usage and cost
// estimates. The input side counts every message sent with the request, so
// prior turns are re-counted on each exchange; it is an approximation for
// display, never a billing figure.
func (conv *Conversation) finishComplete(cat *catalog.Catalog, inputs []string, model string) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	last := &conv.messages[len(conv.messages)-1]
	last.IsStreaming = false

	usage, cost := cat.EstimateExchange(inputs, last.Content, model)
	last.Tokens = &usage
	last.Cost = cost
}

// finishFailed replaces the placeholder content with the error text; no
// streamed content had arrived.
func (conv *Conversation) finishFailed(message string) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	last := &conv.messages[len(conv.messages)-1]
	last.IsStreaming = false
	last.IsError = true
	last.Content = message
}

// finishInterrupted marks a stream that failed after it started. Partial
// content stays visible so the user keeps what already arrived.
func (conv *Conversation) finishInterrupted(message string) {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	last := &conv.messages[len(conv.messages)-1]
	last.IsStreaming = false
	last.IsError = true
	if last.Content == "" {
		last.Content = message
	}
}

// finishCancelled ends a deliberately aborted stream: the partial result is
// kept as-is and not marked as an error.
func (conv *Conversation) finishCancelled() {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	last := &conv.messages[len(conv.messages)-1]
	last.IsStreaming = false
}

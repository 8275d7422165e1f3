package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"braincolab/internal/catalog"
)

func flusher(t *testing.T, w http.ResponseWriter) http.Flusher {
	t.Helper()
	f, ok := w.(http.Flusher)
	require.True(t, ok)
	return f
}

func newRelay(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, catalog.Default(), srv.Client())
	require.NoError(t, err)
	return c
}

func streamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func TestSendAssemblesDeltas(t *testing.T) {
	var got relayPayload
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		streamHeaders(w)
		fmt.Fprint(w, "data: {\"content\":\"He\"}\n\n")
		fmt.Fprint(w, "data: {\"content\":\"llo\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	conv := NewConversation()
	var deltas []string
	msg, err := c.Send(context.Background(), conv, "gpt-4o", "Say hello", func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)

	require.Equal(t, []string{"He", "llo"}, deltas)
	require.Equal(t, "Hello", msg.Content)
	require.Equal(t, "assistant", msg.Role)
	require.Equal(t, "gpt-4o", msg.Model)
	require.False(t, msg.IsStreaming)
	require.False(t, msg.IsError)

	// usage is estimated locally from what was sent and received
	require.NotNil(t, msg.Tokens)
	require.Equal(t, catalog.EstimateTokens("Say hello"), msg.Tokens.Input)
	require.Equal(t, catalog.EstimateTokens("Hello"), msg.Tokens.Output)
	require.Greater(t, msg.Cost, 0.0)

	// the request carried the conversation key and the user turn only
	require.Equal(t, conv.ID, got.Conversation)
	require.Equal(t, "gpt-4o", got.Model)
	require.Equal(t, []relayMessage{{Role: "user", Content: "Say hello"}}, got.Messages)

	history := conv.Messages()
	require.Len(t, history, 2)
	require.Equal(t, "user", history[0].Role)
	require.Equal(t, "Say hello", history[0].Content)
	require.Equal(t, msg, history[1])
}

func TestSendIncludesPriorTurns(t *testing.T) {
	var payloads []relayPayload
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		var p relayPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		payloads = append(payloads, p)

		streamHeaders(w)
		fmt.Fprint(w, "data: {\"content\":\"ok\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	conv := NewConversation()
	_, err := c.Send(context.Background(), conv, "gpt-4o", "first", nil)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), conv, "gpt-4o", "second", nil)
	require.NoError(t, err)

	require.Len(t, payloads, 2)
	require.Equal(t, []relayMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "second"},
	}, payloads[1].Messages)
}

func TestSendSkipsCorruptFrames(t *testing.T) {
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		streamHeaders(w)
		fmt.Fprint(w, "data: {\"content\":\"He\"}\n\n")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "data: {\"content\":\"llo\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	msg, err := c.Send(context.Background(), NewConversation(), "gpt-4o", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "Hello", msg.Content)
}

func TestSendRequestError(t *testing.T) {
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"Invalid API key. Please check your AI_GATEWAY_API_KEY environment variable."}`)
	})

	conv := NewConversation()
	msg, err := c.Send(context.Background(), conv, "gpt-4o", "hi", nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusUnauthorized, reqErr.Status)

	require.True(t, msg.IsError)
	require.False(t, msg.IsStreaming)
	require.Contains(t, msg.Content, "Invalid API key")
	require.Nil(t, msg.Tokens)
	require.Zero(t, msg.Cost)
}

func TestSendInBandErrorKeepsPartial(t *testing.T) {
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		streamHeaders(w)
		f := flusher(t, w)
		fmt.Fprint(w, "data: {\"content\":\"He\"}\n\n")
		f.Flush()
		fmt.Fprint(w, "data: {\"error\":\"stream timeout - request took too long\"}\n\n")
	})

	msg, err := c.Send(context.Background(), NewConversation(), "gpt-4o", "hi", nil)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, "stream timeout - request took too long", streamErr.Message)

	require.True(t, msg.IsError)
	require.Equal(t, "He", msg.Content)
	require.Nil(t, msg.Tokens)
}

func TestSendEndWithoutSentinel(t *testing.T) {
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		streamHeaders(w)
		fmt.Fprint(w, "data: {\"content\":\"He\"}\n\n")
	})

	msg, err := c.Send(context.Background(), NewConversation(), "gpt-4o", "hi", nil)
	require.ErrorIs(t, err, ErrIncompleteStream)
	require.True(t, msg.IsError)
	require.Equal(t, "He", msg.Content)
}

func TestSendCancellationKeepsPartial(t *testing.T) {
	release := make(chan struct{})
	firstDelta := make(chan struct{})
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		streamHeaders(w)
		f := flusher(t, w)
		fmt.Fprint(w, "data: {\"content\":\"He\"}\n\n")
		f.Flush()
		<-release
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := NewConversation()
	var once sync.Once
	msg, err := c.Send(ctx, conv, "gpt-4o", "hi", func(string) {
		once.Do(func() { close(firstDelta) })
		cancel()
	})
	<-firstDelta

	require.NoError(t, err)
	require.Equal(t, "He", msg.Content)
	require.False(t, msg.IsStreaming)
	require.False(t, msg.IsError)
}

func TestSendRejectsOverlappingGeneration(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		streamHeaders(w)
		f := flusher(t, w)
		fmt.Fprint(w, "data: {\"content\":\"slow\"}\n\n")
		f.Flush()
		close(started)
		<-release
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	conv := NewConversation()
	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), conv, "gpt-4o", "first", nil)
		done <- err
	}()
	<-started

	_, err := c.Send(context.Background(), conv, "gpt-4o", "second", nil)
	require.ErrorIs(t, err, ErrGenerationInFlight)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first generation never finished")
	}

	// the rejected send left no trace in the history
	require.Len(t, conv.Messages(), 2)
}

func TestSendTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, err := New(srv.URL, catalog.Default(), srv.Client())
	require.NoError(t, err)
	srv.Close()

	msg, err := c.Send(context.Background(), NewConversation(), "gpt-4o", "hi", nil)
	require.Error(t, err)
	var reqErr *RequestError
	require.False(t, errors.As(err, &reqErr))
	require.True(t, msg.IsError)
	require.Contains(t, msg.Content, "Error:")
}

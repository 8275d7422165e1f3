package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func frame(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func sseUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(baseURL, "sk-test", timeout, srvClient())
	require.NoError(t, err)
	return c
}

func srvClient() *http.Client {
	return &http.Client{}
}

func collect(deltas *[]string) func(string) error {
	return func(d string) error {
		*deltas = append(*deltas, d)
		return nil
	}
}

func TestStreamChatForwardsDeltasInOrder(t *testing.T) {
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload struct {
			Model       string `json:"model"`
			Stream      bool   `json:"stream"`
			MaxTokens   int    `json:"max_tokens"`
			Temperature float64
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "m1", payload.Model)
		require.True(t, payload.Stream)
		require.Equal(t, 1000, payload.MaxTokens)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frame("He"))
		fmt.Fprint(w, frame("llo"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	c := newTestClient(t, srv.URL, time.Second)

	var deltas []string
	err := c.StreamChat(context.Background(), ChatRequest{
		Model:       "m1",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		MaxTokens:   1000,
		Temperature: 0.7,
	}, collect(&deltas))

	require.NoError(t, err)
	require.Equal(t, []string{"He", "llo"}, deltas)
}

func TestStreamChatHandlesChunkBoundariesInsideLines(t *testing.T) {
	whole := frame("Hé") + frame("llo") + "data: [DONE]\n\n"

	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		raw := []byte(whole)
		// Dribble the stream out in 3-byte chunks so lines and multi-byte
		// runes straddle reads.
		for i := 0; i < len(raw); i += 3 {
			end := i + 3
			if end > len(raw) {
				end = len(raw)
			}
			w.Write(raw[i:end])
			flusher.Flush()
		}
	})

	c := newTestClient(t, srv.URL, time.Second)

	var deltas []string
	err := c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(&deltas))
	require.NoError(t, err)
	require.Equal(t, []string{"Hé", "llo"}, deltas)
}

func TestStreamChatSkipsMalformedFrames(t *testing.T) {
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, frame("He"))
		fmt.Fprint(w, "data: {not valid json\n\n")
		fmt.Fprint(w, frame("llo"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	c := newTestClient(t, srv.URL, time.Second)

	var deltas []string
	err := c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(&deltas))
	require.NoError(t, err)
	require.Equal(t, []string{"He", "llo"}, deltas)
}

func TestStreamChatStopsAtSentinel(t *testing.T) {
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, frame("He"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, frame("ignored"))
	})

	c := newTestClient(t, srv.URL, time.Second)

	var deltas []string
	err := c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(&deltas))
	require.NoError(t, err)
	require.Equal(t, []string{"He"}, deltas)
}

func TestStreamChatParsingIsRepeatable(t *testing.T) {
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, frame("a"))
		fmt.Fprint(w, frame("b"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	c := newTestClient(t, srv.URL, time.Second)

	var first, second []string
	require.NoError(t, c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(&first)))
	require.NoError(t, c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(&second)))
	require.Equal(t, first, second)
}

func TestStreamChatReturnsGatewayError(t *testing.T) {
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})

	c := newTestClient(t, srv.URL, time.Second)

	err := c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(new([]string)))

	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, http.StatusUnauthorized, gwErr.Status)
	require.Contains(t, gwErr.Body, "bad key")
}

func TestStreamChatTimesOutOnStalledUpstream(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, frame("He"))
		flusher.Flush()
		<-release
	})

	c := newTestClient(t, srv.URL, 100*time.Millisecond)

	var deltas []string
	start := time.Now()
	err := c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(&deltas))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrStreamTimeout)
	require.Equal(t, []string{"He"}, deltas, "delta before the stall must still be forwarded")
	require.Less(t, elapsed, time.Second, "watchdog must fire near the configured bound")
}

func TestStreamChatReportsAbortedUpstream(t *testing.T) {
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, frame("He"))
		flusher.Flush()
		panic(http.ErrAbortHandler)
	})

	c := newTestClient(t, srv.URL, time.Second)

	var deltas []string
	err := c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(&deltas))
	require.ErrorIs(t, err, ErrUpstreamRead)
	require.Equal(t, []string{"He"}, deltas)
}

func TestStreamChatPropagatesDeltaCallbackError(t *testing.T) {
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, frame("He"))
		fmt.Fprint(w, frame("llo"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	c := newTestClient(t, srv.URL, time.Second)

	sinkErr := errors.New("downstream gone")
	err := c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, func(string) error {
		return sinkErr
	})
	require.ErrorIs(t, err, sinkErr)
}

func TestStreamChatHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, frame("He"))
		flusher.Flush()
		<-release
	})

	c := newTestClient(t, srv.URL, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		got <- c.StreamChat(ctx, ChatRequest{Model: "m1"}, func(string) error {
			cancel()
			return nil
		})
	}()

	select {
	case err := <-got:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not stop the stream")
	}
}

func TestStreamChatRequiresAPIKey(t *testing.T) {
	var calls atomic.Int64
	srv := sseUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	c, err := New(srv.URL, "", time.Second, nil)
	require.NoError(t, err)
	require.False(t, c.Configured())

	err = c.StreamChat(context.Background(), ChatRequest{Model: "m1"}, collect(new([]string)))
	require.ErrorIs(t, err, ErrNoAPIKey)
	require.Zero(t, calls.Load(), "no upstream call may be made without a credential")
}

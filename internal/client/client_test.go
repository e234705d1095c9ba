package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
)

func TestConsumeStreamAccumulates(t *testing.T) {
	body := "data: {\"content\":\"Hel\"}\n\n" +
		"data: {\"content\":\"lo\"}\n\n" +
		"data: {\"content\":\" there\"}\n\n" +
		"data: [DONE]\n\n"

	// One byte per read forces every frame to arrive split.
	var got strings.Builder
	err := consumeStream(iotest.OneByteReader(strings.NewReader(body)), func(fragment string) error {
		got.WriteString(fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.String() != "Hello there" {
		t.Errorf("accumulated = %q, want Hello there", got.String())
	}
}

func TestConsumeStreamErrorFrame(t *testing.T) {
	body := "data: {\"content\":\"partial\"}\n\n" +
		"data: {\"error\":\"model upstream error\"}\n\n"

	err := consumeStream(strings.NewReader(body), func(string) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model upstream error") {
		t.Fatalf("err = %v, want the server-reported error", err)
	}
}

func TestConsumeStreamTruncated(t *testing.T) {
	body := "data: {\"content\":\"Hel\"}\n\n"

	err := consumeStream(strings.NewReader(body), func(string) error { return nil })
	if !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("err = %v, want ErrStreamInterrupted", err)
	}
}

func TestConsumeStreamCallbackError(t *testing.T) {
	body := "data: {\"content\":\"x\"}\n\ndata: [DONE]\n\n"
	boom := errors.New("render failed")

	err := consumeStream(strings.NewReader(body), func(string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the callback error", err)
	}
}

func TestChatStreamEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/s1/chat/stream" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"content\":\"%s\"}\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	var got strings.Builder
	err := New(server.URL).ChatStream(context.Background(), "s1", "hi", func(fragment string) error {
		got.WriteString(fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "Hello" {
		t.Errorf("accumulated = %q", got.String())
	}
}

func TestChatStreamRejectedBeforeStart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"session not found"}`)
	}))
	defer server.Close()

	err := New(server.URL).ChatStream(context.Background(), "missing", "hi", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"title cannot be empty"}`)
	}))
	defer server.Close()

	err := New(server.URL).RenameSession(context.Background(), "s1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "title cannot be empty" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

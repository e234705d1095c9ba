package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatrelay/internal/models"
	"chatrelay/internal/service/session"
)

// ErrStreamInterrupted reports an event stream that ended before the
// terminal [DONE] frame arrived.
var ErrStreamInterrupted = errors.New("stream ended unexpectedly")

// APIError carries a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client is a thin HTTP wrapper over the chat API, one method per endpoint.
type Client struct {
	baseURL string
	// No client-level timeout: streams stay open for the whole turn and
	// cancellation rides on the request context.
	http *http.Client
}

// New builds a Client for the given server base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

type sessionList struct {
	Sessions []models.Session `json:"sessions"`
	Total    int              `json:"total"`
}

type chatReply struct {
	Content string      `json:"content"`
	Role    models.Role `json:"role"`
}

type titleReply struct {
	Success bool   `json:"success"`
	Title   string `json:"title"`
}

// CreateSession creates a session; an empty title gets the server default.
func (c *Client) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	var created models.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &created)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ListSessions returns all sessions, most recently active first.
func (c *Client) ListSessions(ctx context.Context) ([]models.Session, error) {
	var list sessionList
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &list); err != nil {
		return nil, err
	}
	return list.Sessions, nil
}

// GetSession returns one session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var got models.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id, nil, &got); err != nil {
		return nil, err
	}
	return &got, nil
}

// RenameSession updates a session title.
func (c *Client) RenameSession(ctx context.Context, id, title string) error {
	return c.do(ctx, http.MethodPut, "/api/sessions/"+id+"/title", map[string]string{"title": title}, nil)
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+id, nil, nil)
}

// ExportSession renders a session transcript in the given format.
func (c *Client) ExportSession(ctx context.Context, id, format string) (*session.Export, error) {
	var export session.Export
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id+"/export?format="+format, nil, &export); err != nil {
		return nil, err
	}
	return &export, nil
}

// Messages returns a session's full history, oldest first.
func (c *Client) Messages(ctx context.Context, id string) ([]models.Message, error) {
	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Chat runs one non-streaming turn and returns the full assistant reply.
func (c *Client) Chat(ctx context.Context, id, message string) (string, error) {
	var reply chatReply
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/chat", map[string]string{"message": message}, &reply); err != nil {
		return "", err
	}
	return reply.Content, nil
}

// GenerateTitle asks the server to name the session after its first message.
func (c *Client) GenerateTitle(ctx context.Context, id string) (string, error) {
	var reply titleReply
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/generate-title", nil, &reply); err != nil {
		return "", err
	}
	return reply.Title, nil
}

// ChatStream runs one streaming turn, invoking onFragment for each text
// fragment as it arrives. It returns nil only after the [DONE] frame.
func (c *Client) ChatStream(ctx context.Context, id, message string, onFragment func(string) error) error {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/sessions/"+id+"/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	return consumeStream(resp.Body, onFragment)
}

type streamFrame struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}

// consumeStream reads SSE data frames line by line. bufio handles frames
// split across network reads; blank lines between frames are skipped.
func consumeStream(body io.Reader, onFragment func(string) error) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		payload, isData := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "data: ")
		if isData {
			if payload == "[DONE]" {
				return nil
			}
			var frame streamFrame
			if jsonErr := json.Unmarshal([]byte(payload), &frame); jsonErr != nil {
				return fmt.Errorf("malformed stream frame %q: %w", payload, jsonErr)
			}
			if frame.Error != "" {
				return fmt.Errorf("server reported: %s", frame.Error)
			}
			if frame.Content != "" && onFragment != nil {
				if cbErr := onFragment(frame.Content); cbErr != nil {
					return cbErr
				}
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		body.Error = resp.Status
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

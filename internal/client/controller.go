package client

import (
	"context"
	"strings"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/service/session"
)

// Controller holds the display state a chat front end renders: the session
// list, the active session, and its message history. It is single-consumer
// state, one Controller per UI loop.
type Controller struct {
	api          *Client
	defaultTitle string

	sessions []models.Session
	activeID string
	messages []models.Message
}

// NewController builds a Controller over the given API client.
func NewController(api *Client) *Controller {
	return &Controller{api: api, defaultTitle: config.DefaultTitle}
}

// Sessions returns the current session list, most recently active first.
func (c *Controller) Sessions() []models.Session { return c.sessions }

// ActiveID returns the active session id, empty when none is selected.
func (c *Controller) ActiveID() string { return c.activeID }

// Messages returns the active session's display history.
func (c *Controller) Messages() []models.Message { return c.messages }

// Refresh reloads the session list. When nothing is selected, or the selected
// session no longer exists, the most recent session becomes active.
func (c *Controller) Refresh(ctx context.Context) error {
	sessions, err := c.api.ListSessions(ctx)
	if err != nil {
		return err
	}
	c.sessions = sessions

	if c.activeID != "" && c.findSession(c.activeID) != nil {
		return nil
	}
	if len(sessions) == 0 {
		c.activeID = ""
		c.messages = nil
		return nil
	}
	return c.Select(ctx, sessions[0].ID)
}

// Select makes a session active and loads its history.
func (c *Controller) Select(ctx context.Context, id string) error {
	messages, err := c.api.Messages(ctx, id)
	if err != nil {
		return err
	}
	c.activeID = id
	c.messages = messages
	return nil
}

// NewSession creates a session and selects it.
func (c *Controller) NewSession(ctx context.Context, title string) (*models.Session, error) {
	created, err := c.api.CreateSession(ctx, title)
	if err != nil {
		return nil, err
	}
	c.sessions = append([]models.Session{*created}, c.sessions...)
	c.activeID = created.ID
	c.messages = nil
	return created, nil
}

// Rename updates a session title optimistically, rolling the display value
// back when the server rejects it.
func (c *Controller) Rename(ctx context.Context, id, title string) error {
	entry := c.findSession(id)
	var previous string
	if entry != nil {
		previous = entry.Title
		entry.Title = title
	}
	if err := c.api.RenameSession(ctx, id, title); err != nil {
		if entry != nil {
			entry.Title = previous
		}
		return err
	}
	return nil
}

// Remove deletes a session. When the active session goes, the most recent
// remaining one is selected.
func (c *Controller) Remove(ctx context.Context, id string) error {
	if err := c.api.DeleteSession(ctx, id); err != nil {
		return err
	}
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	c.sessions = kept

	if c.activeID != id {
		return nil
	}
	if len(c.sessions) == 0 {
		c.activeID = ""
		c.messages = nil
		return nil
	}
	return c.Select(ctx, c.sessions[0].ID)
}

// Send runs one non-streaming turn in the active session. On failure nothing
// stays in the display history.
func (c *Controller) Send(ctx context.Context, content string) (string, error) {
	c.messages = append(c.messages, models.Message{
		SessionID: c.activeID, Role: models.RoleUser, Content: content,
	})
	reply, err := c.api.Chat(ctx, c.activeID, content)
	if err != nil {
		c.messages = c.messages[:len(c.messages)-1]
		return "", err
	}
	c.messages = append(c.messages, models.Message{
		SessionID: c.activeID, Role: models.RoleAssistant, Content: reply,
	})
	c.maybeGenerateTitle(ctx)
	return reply, nil
}

// SendStream runs one streaming turn, growing the in-flight assistant message
// fragment by fragment. onFragment (optional) mirrors each fragment to the
// caller. On any failure both in-flight messages are removed from the display
// history, matching the store, which commits nothing for a failed turn.
func (c *Controller) SendStream(ctx context.Context, content string, onFragment func(string)) error {
	base := len(c.messages)
	c.messages = append(c.messages,
		models.Message{SessionID: c.activeID, Role: models.RoleUser, Content: content},
		models.Message{SessionID: c.activeID, Role: models.RoleAssistant},
	)

	err := c.api.ChatStream(ctx, c.activeID, content, func(fragment string) error {
		c.messages[base+1].Content += fragment
		if onFragment != nil {
			onFragment(fragment)
		}
		return nil
	})
	if err != nil {
		c.messages = c.messages[:base]
		return err
	}
	c.maybeGenerateTitle(ctx)
	return nil
}

// Export renders the active session's transcript via the server.
func (c *Controller) Export(ctx context.Context, format string) (*session.Export, error) {
	return c.api.ExportSession(ctx, c.activeID, format)
}

// maybeGenerateTitle fires title generation after the first completed turn of
// a session that still carries the default title. Failures are ignored, the
// fallback title simply stays.
func (c *Controller) maybeGenerateTitle(ctx context.Context) {
	if len(c.messages) != 2 {
		return
	}
	entry := c.findSession(c.activeID)
	if entry == nil || !strings.EqualFold(entry.Title, c.defaultTitle) {
		return
	}
	title, err := c.api.GenerateTitle(ctx, c.activeID)
	if err != nil {
		return
	}
	entry.Title = title
}

func (c *Controller) findSession(id string) *models.Session {
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			return &c.sessions[i]
		}
	}
	return nil
}

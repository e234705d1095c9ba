package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/models"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// ErrBadFormat reports an unsupported export format.
var ErrBadFormat = errors.New("unsupported export format")

// Export is a rendered session transcript with a suggested filename.
type Export struct {
	Content  string `json:"content"`
	Format   string `json:"format"`
	Filename string `json:"filename"`
}

type exportSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type exportMessage struct {
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// Export renders a session and its ordered messages as json or markdown.
func (r *Repository) Export(ctx context.Context, id, format string) (*Export, error) {
	if format != FormatJSON && format != FormatMarkdown {
		return nil, ErrBadFormat
	}
	session, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := r.Messages(ctx, id)
	if err != nil {
		return nil, err
	}

	var content string
	ext := "md"
	switch format {
	case FormatJSON:
		ext = "json"
		content, err = renderJSON(session, messages)
	case FormatMarkdown:
		content = renderMarkdown(session, messages)
	}
	if err != nil {
		return nil, err
	}

	return &Export{
		Content:  content,
		Format:   format,
		Filename: exportFilename(session.ID, ext),
	}, nil
}

func renderJSON(s *models.Session, messages []models.Message) (string, error) {
	dump := struct {
		Session  exportSession   `json:"session"`
		Messages []exportMessage `json:"messages"`
	}{
		Session: exportSession{
			ID:        s.ID,
			Title:     s.Title,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		},
		Messages: make([]exportMessage, 0, len(messages)),
	}
	for _, m := range messages {
		dump.Messages = append(dump.Messages, exportMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}
	return string(data), nil
}

func renderMarkdown(s *models.Session, messages []models.Message) string {
	lines := []string{
		"# " + s.Title,
		"",
		"**Created**: " + s.CreatedAt.Format("2006-01-02 15:04:05"),
		"**Updated**: " + s.UpdatedAt.Format("2006-01-02 15:04:05"),
		"",
		"---",
		"",
	}
	for _, m := range messages {
		label := "User"
		if m.Role == models.RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines,
			fmt.Sprintf("## %s (%s)", label, m.Timestamp.Format("2006-01-02 15:04:05")),
			"",
			m.Content,
			"",
			"---",
			"",
		)
	}
	return strings.Join(lines, "\n")
}

func exportFilename(id, ext string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("session_%s_%s.%s", short, time.Now().UTC().Format("20060102_150405"), ext)
}

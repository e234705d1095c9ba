package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const titlePrompt = "You are a conversation title generator. " +
	"Based on the user's opening message, generate a concise and accurate title for the conversation. " +
	"The title should be a short phrase of roughly 10 to 20 characters summarizing the main topic. " +
	"Output only the title; do not include any additional content."

// GenerateTitle asks the model for a short session title based on the first
// user message. The truncation fallback on failure belongs to the caller.
func (s *Service) GenerateTitle(ctx context.Context, firstUserMessage string) (string, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: titlePrompt},
		{Role: schema.User, Content: "Generate a title for a conversation that starts with:\n\n" + firstUserMessage},
	}
	resp, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp.Content), `"`))
	if title == "" {
		return "", fmt.Errorf("%w: empty title", ErrUpstream)
	}
	return title, nil
}

const reviewPrompt = "You are a strict quality inspector for AI answers. " +
	"Judge the answer on three dimensions: factual accuracy, clarity of reasoning, and concision. " +
	"If all three pass, the verdict is pass; if any fails, the verdict is notApproved. " +
	"Reply in exactly this format:\n\nStatus: pass or notApproved\nReason: the concrete justification"

// Review runs the quality-inspector prompt over a question/answer pair and
// reports whether the answer passed, plus the inspector's reason.
func (s *Service) Review(ctx context.Context, question, answer string) (bool, string, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: reviewPrompt},
		{Role: schema.User, Content: fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s", question, answer)},
	}
	resp, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return parseReview(resp.Content)
}

func parseReview(raw string) (bool, string, error) {
	var status, reason string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Status:"):
			status = strings.TrimSpace(strings.TrimPrefix(line, "Status:"))
		case strings.HasPrefix(line, "Reason:"):
			reason = strings.TrimSpace(strings.TrimPrefix(line, "Reason:"))
		}
	}
	switch status {
	case "pass":
		return true, reason, nil
	case "notApproved":
		return false, reason, nil
	}
	return false, "", errors.New("unrecognized review verdict: " + status)
}

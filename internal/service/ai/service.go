package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

// ErrUpstream covers provider network, protocol, and quota failures.
var ErrUpstream = errors.New("model upstream error")

// ChunkStream is a lazy, finite, non-restartable sequence of text fragments.
// Recv returns io.EOF on normal completion and an ErrUpstream-wrapped error
// when the upstream stream terminates abnormally mid-sequence.
type ChunkStream interface {
	Recv() (string, error)
	Close()
}

// Service wraps calls to the configured LLM provider.
type Service struct {
	chatModel    model.ToolCallingChatModel
	systemPrompt string
}

var envKeyByProvider = map[string]string{
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

// NewService builds the chat model for the provider selected in config.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	provider := cfg.Chat.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	apiKey := provCfg.APIKey
	if env := os.Getenv(envKeyByProvider[provider]); env != "" {
		apiKey = env
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  apiKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Service{
		chatModel:    chatModel,
		systemPrompt: cfg.Chat.SystemPrompt,
	}, nil
}

// Complete runs one non-streaming round trip over history plus the new user
// message and returns the full reply text.
func (s *Service) Complete(ctx context.Context, history []models.Message, content string) (string, error) {
	resp, err := s.chatModel.Generate(ctx, s.buildMessages(history, content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return resp.Content, nil
}

// StreamComplete starts a streaming round trip with the same input contract
// as Complete. The caller must drain or Close the returned stream.
func (s *Service) StreamComplete(ctx context.Context, history []models.Message, content string) (ChunkStream, error) {
	reader, err := s.chatModel.Stream(ctx, s.buildMessages(history, content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &stream{reader: reader}, nil
}

func (s *Service) buildMessages(history []models.Message, content string) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+2)
	if s.systemPrompt != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: s.systemPrompt})
	}
	for _, msg := range history {
		role := schema.User
		if msg.Role == models.RoleAssistant {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}
	return append(messages, &schema.Message{Role: schema.User, Content: content})
}

type stream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *stream) Recv() (string, error) {
	chunk, err := s.reader.Recv()
	if errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if chunk == nil {
		return "", nil
	}
	return chunk.Content, nil
}

func (s *stream) Close() {
	s.reader.Close()
}

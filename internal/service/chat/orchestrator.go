package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/session"
)

// ErrTransport marks a broken client connection detected while relaying a
// stream. It is never surfaced to the client (which is already gone); the
// turn is simply abandoned uncommitted.
var ErrTransport = errors.New("client transport failed")

// Gateway is the model-provider surface the orchestrator depends on.
// *ai.Service is the production implementation.
type Gateway interface {
	Complete(ctx context.Context, history []models.Message, content string) (string, error)
	StreamComplete(ctx context.Context, history []models.Message, content string) (ai.ChunkStream, error)
	GenerateTitle(ctx context.Context, firstUserMessage string) (string, error)
	Review(ctx context.Context, question, answer string) (bool, string, error)
}

// Orchestrator drives one chat turn: load the context window, generate,
// relay, and commit the user/assistant pair atomically.
type Orchestrator struct {
	repo         *session.Repository
	gateway      Gateway
	history      *historyCache
	logger       *zap.Logger
	window       int
	qualityCheck bool
}

// New constructs an Orchestrator. cacheClient may be nil to run without the
// redis history cache; logger may be nil.
func New(repo *session.Repository, gateway Gateway, cacheClient *cache.Client, logger *zap.Logger, cfg config.ChatConfig) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = config.DefaultContextWindow
	}
	return &Orchestrator{
		repo:         repo,
		gateway:      gateway,
		history:      newHistoryCache(cacheClient, logger),
		logger:       logger,
		window:       window,
		qualityCheck: cfg.QualityCheck,
	}
}

// Turn runs one non-streaming chat turn and returns the committed assistant
// message. Nothing is persisted when generation fails.
func (o *Orchestrator) Turn(ctx context.Context, sessionID, content string) (*models.Message, error) {
	if _, err := o.repo.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	userTs := time.Now().UTC()
	history, err := o.loadWindow(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	answer, err := o.gateway.Complete(ctx, history, content)
	if err != nil {
		return nil, err
	}
	if o.qualityCheck {
		answer = o.reviewAnswer(ctx, history, content, answer)
	}

	return o.commitTurn(ctx, sessionID, content, answer, userTs)
}

// StreamTurn runs one streaming chat turn, relaying every fragment through
// onChunk as it arrives while accumulating the full reply. The turn commits
// only after the stream has been fully drained.
func (o *Orchestrator) StreamTurn(ctx context.Context, sessionID, content string, onChunk func(string) error) (*models.Message, error) {
	if _, err := o.repo.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	userTs := time.Now().UTC()
	history, err := o.loadWindow(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stream, err := o.gateway.StreamComplete(ctx, history, content)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var full strings.Builder
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Upstream died mid-stream: the partial text the client saw is
			// transient UI state only, nothing is persisted for this turn.
			return nil, err
		}
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)
		if onChunk != nil {
			if err := onChunk(fragment); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransport, err)
			}
		}
	}

	return o.commitTurn(ctx, sessionID, content, full.String(), userTs)
}

// GenerateTitle names the session after its first user message. A gateway
// failure falls back to truncating that message; the result is persisted via
// Rename. Title generation never fails a chat turn, it runs on its own
// endpoint after the first successful exchange.
func (o *Orchestrator) GenerateTitle(ctx context.Context, sessionID string) (string, error) {
	// Unknown session and empty session must stay distinguishable; the
	// first-message query alone reports both as no rows.
	if _, err := o.repo.Get(ctx, sessionID); err != nil {
		return "", err
	}
	first, err := o.repo.FirstUserMessage(ctx, sessionID)
	if err != nil {
		return "", err
	}
	title, err := o.gateway.GenerateTitle(ctx, first.Content)
	if err == nil && utf8.RuneCountInString(title) > session.MaxTitleLen {
		err = session.ErrTitleTooLong
	}
	if err != nil {
		o.logger.Warn("title generation failed, falling back to truncation",
			zap.String("session_id", sessionID), zap.Error(err))
		title = strings.TrimSpace(truncateRunes(strings.TrimSpace(first.Content), 20))
	}
	if err := o.repo.Rename(ctx, sessionID, title); err != nil {
		return "", err
	}
	return title, nil
}

// Purge drops any cached state for a deleted session.
func (o *Orchestrator) Purge(sessionID string) {
	o.history.invalidate(context.Background(), sessionID)
}

// loadWindow returns the most recent messages (at most the configured window)
// in chronological order, taken before the new user turn is appended.
func (o *Orchestrator) loadWindow(ctx context.Context, sessionID string) ([]models.Message, error) {
	if history, ok := o.history.load(ctx, sessionID); ok {
		return history, nil
	}
	history, err := o.repo.Recent(ctx, sessionID, o.window)
	if err != nil {
		return nil, err
	}
	o.history.store(ctx, sessionID, history)
	return history, nil
}

func (o *Orchestrator) commitTurn(ctx context.Context, sessionID, userContent, answer string, userTs time.Time) (*models.Message, error) {
	user := &models.Message{Role: models.RoleUser, Content: userContent, Timestamp: userTs}
	assistant := &models.Message{Role: models.RoleAssistant, Content: answer, Timestamp: time.Now().UTC()}
	if err := o.repo.AppendTurn(ctx, sessionID, user, assistant); err != nil {
		// Known at-most-once-durability gap: the reply was already shown to
		// the caller but could not be committed.
		return nil, fmt.Errorf("commit turn: %w", err)
	}
	o.history.invalidate(ctx, sessionID)
	return assistant, nil
}

// reviewAnswer runs the quality inspector over a finished answer and retries
// the generation once when the verdict is notApproved.
func (o *Orchestrator) reviewAnswer(ctx context.Context, history []models.Message, question, answer string) string {
	ok, reason, err := o.gateway.Review(ctx, question, answer)
	if err != nil {
		o.logger.Warn("quality review failed", zap.Error(err))
		return answer
	}
	if ok {
		return answer
	}
	o.logger.Info("answer rejected by quality review, regenerating once", zap.String("reason", reason))
	retryHistory := append(append([]models.Message{}, history...),
		models.Message{Role: models.RoleUser, Content: question},
		models.Message{Role: models.RoleAssistant, Content: answer},
	)
	revised, err := o.gateway.Complete(ctx, retryHistory,
		"The previous answer was rejected by a quality reviewer: "+reason+
			". Provide an improved answer to the original question.")
	if err != nil {
		o.logger.Warn("quality regeneration failed, keeping original answer", zap.Error(err))
		return answer
	}
	return revised
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

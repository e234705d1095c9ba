package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/service/ai"
	"chatrelay/internal/service/session"
	"chatrelay/internal/storage"
)

type scriptedStream struct {
	chunks []string
	failAt int
	pos    int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.failAt > 0 && s.pos == s.failAt {
		return "", fmt.Errorf("%w: stream interrupted", ai.ErrUpstream)
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() {}

type scriptedGateway struct {
	replies      []string
	replyCalls   int
	completeErr  error
	chunks       []string
	streamFailAt int
	title        string
	titleErr     error
	reviewPass   bool
	reviewReason string
	reviewErr    error
	lastHistory  []models.Message
}

func (g *scriptedGateway) Complete(ctx context.Context, history []models.Message, content string) (string, error) {
	g.lastHistory = history
	if g.completeErr != nil {
		return "", g.completeErr
	}
	reply := g.replies[g.replyCalls%len(g.replies)]
	g.replyCalls++
	return reply, nil
}

func (g *scriptedGateway) StreamComplete(ctx context.Context, history []models.Message, content string) (ai.ChunkStream, error) {
	g.lastHistory = history
	return &scriptedStream{chunks: g.chunks, failAt: g.streamFailAt}, nil
}

func (g *scriptedGateway) GenerateTitle(ctx context.Context, firstUserMessage string) (string, error) {
	if g.titleErr != nil {
		return "", g.titleErr
	}
	return g.title, nil
}

func (g *scriptedGateway) Review(ctx context.Context, question, answer string) (bool, string, error) {
	if g.reviewErr != nil {
		return false, "", g.reviewErr
	}
	return g.reviewPass, g.reviewReason, nil
}

func newTestOrchestrator(t *testing.T, gw Gateway, cfg config.ChatConfig) (*Orchestrator, *session.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := session.New(db, "")
	return New(repo, gw, nil, zap.NewNop(), cfg), repo
}

func TestTurnCommitsPair(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"the reply"}}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	reply, err := o.Turn(ctx, created.ID, "the question")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply.Content != "the reply" || reply.Role != models.RoleAssistant {
		t.Errorf("reply = %+v", reply)
	}

	messages, _ := repo.Messages(ctx, created.ID)
	if len(messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(messages))
	}
	if messages[0].Content != "the question" || messages[1].Content != "the reply" {
		t.Errorf("persisted = %q, %q", messages[0].Content, messages[1].Content)
	}
	if messages[1].Timestamp.Before(messages[0].Timestamp) {
		t.Error("assistant timestamp precedes user timestamp")
	}
}

func TestTurnUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedGateway{replies: []string{"x"}}, config.ChatConfig{})
	if _, err := o.Turn(context.Background(), "missing", "q"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTurnGenerationFailureCommitsNothing(t *testing.T) {
	gw := &scriptedGateway{completeErr: fmt.Errorf("%w: over quota", ai.ErrUpstream)}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	if _, err := o.Turn(ctx, created.ID, "q"); !errors.Is(err, ai.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	messages, _ := repo.Messages(ctx, created.ID)
	if len(messages) != 0 {
		t.Errorf("len(messages) = %d, want 0", len(messages))
	}
}

func TestTurnWindowExcludesCurrentMessage(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"r"}}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{ContextWindow: 4})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	for i := 0; i < 4; i++ {
		if _, err := o.Turn(ctx, created.ID, fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	// The final turn had six stored messages and a window of four: the model
	// saw q1,r,q2,r and never the in-flight user message q3.
	if len(gw.lastHistory) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(gw.lastHistory))
	}
	if gw.lastHistory[0].Content != "q1" {
		t.Errorf("window start = %q, want q1", gw.lastHistory[0].Content)
	}
	for _, m := range gw.lastHistory {
		if m.Content == "q3" {
			t.Error("in-flight user message leaked into the history window")
		}
	}
}

func TestStreamTurnAccumulates(t *testing.T) {
	gw := &scriptedGateway{chunks: []string{"Hel", "lo", " there"}}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	var relayed []string
	reply, err := o.StreamTurn(ctx, created.ID, "hi", func(fragment string) error {
		relayed = append(relayed, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if reply.Content != "Hello there" {
		t.Errorf("reply = %q, want Hello there", reply.Content)
	}
	if len(relayed) != 3 {
		t.Errorf("relayed = %v, want every fragment in order", relayed)
	}
	if strings.Join(relayed, "") != "Hello there" {
		t.Errorf("relayed join = %q", strings.Join(relayed, ""))
	}

	messages, _ := repo.Messages(ctx, created.ID)
	if len(messages) != 2 || messages[1].Content != "Hello there" {
		t.Errorf("persisted = %+v", messages)
	}
}

func TestStreamTurnUpstreamFailureCommitsNothing(t *testing.T) {
	gw := &scriptedGateway{chunks: []string{"Hel", "lo"}, streamFailAt: 1}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	_, err := o.StreamTurn(ctx, created.ID, "hi", func(string) error { return nil })
	if !errors.Is(err, ai.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	messages, _ := repo.Messages(ctx, created.ID)
	if len(messages) != 0 {
		t.Errorf("len(messages) = %d, want 0 after mid-stream failure", len(messages))
	}
}

func TestStreamTurnClientDisconnect(t *testing.T) {
	gw := &scriptedGateway{chunks: []string{"Hel", "lo"}}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	_, err := o.StreamTurn(ctx, created.ID, "hi", func(string) error {
		return errors.New("broken pipe")
	})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	messages, _ := repo.Messages(ctx, created.ID)
	if len(messages) != 0 {
		t.Errorf("len(messages) = %d, want 0 after client disconnect", len(messages))
	}
}

func TestGenerateTitleFromGateway(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"sure"}, title: "Go Basics"}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")
	if _, err := o.Turn(ctx, created.ID, "teach me go"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	title, err := o.GenerateTitle(ctx, created.ID)
	if err != nil {
		t.Fatalf("generate title: %v", err)
	}
	if title != "Go Basics" {
		t.Errorf("title = %q", title)
	}
	got, _ := repo.Get(ctx, created.ID)
	if got.Title != "Go Basics" {
		t.Errorf("persisted title = %q", got.Title)
	}
}

func TestGenerateTitleFallbackTruncates(t *testing.T) {
	gw := &scriptedGateway{
		replies:  []string{"sure"},
		titleErr: fmt.Errorf("%w: timeout", ai.ErrUpstream),
	}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")
	if _, err := o.Turn(ctx, created.ID, "please explain goroutine scheduling in detail"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	title, err := o.GenerateTitle(ctx, created.ID)
	if err != nil {
		t.Fatalf("generate title: %v", err)
	}
	if title != "please explain gorou" {
		t.Errorf("title = %q, want the first 20 runes", title)
	}
}

func TestGenerateTitleFallbackKeepsShortMessage(t *testing.T) {
	gw := &scriptedGateway{
		replies:  []string{"hi"},
		titleErr: fmt.Errorf("%w: timeout", ai.ErrUpstream),
	}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")
	if _, err := o.Turn(ctx, created.ID, "Hello"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	title, err := o.GenerateTitle(ctx, created.ID)
	if err != nil {
		t.Fatalf("generate title: %v", err)
	}
	if title != "Hello" {
		t.Errorf("title = %q, want Hello unchanged", title)
	}
}

func TestGenerateTitleUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedGateway{}, config.ChatConfig{})
	if _, err := o.GenerateTitle(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound rather than ErrNoMessages", err)
	}
}

func TestGenerateTitleOverlongGeneratedTitle(t *testing.T) {
	gw := &scriptedGateway{
		replies: []string{"sure"},
		title:   strings.Repeat("x", session.MaxTitleLen+1),
	}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")
	if _, err := o.Turn(ctx, created.ID, "summarize goroutine scheduling for me"); err != nil {
		t.Fatalf("turn: %v", err)
	}

	title, err := o.GenerateTitle(ctx, created.ID)
	if err != nil {
		t.Fatalf("an unusable generated title must fall back, got %v", err)
	}
	if title != "summarize goroutine" {
		t.Errorf("title = %q, want the trimmed truncation fallback", title)
	}
	got, _ := repo.Get(ctx, created.ID)
	if got.Title != title {
		t.Errorf("persisted title = %q, want %q", got.Title, title)
	}
}

func TestGenerateTitleEmptySession(t *testing.T) {
	o, repo := newTestOrchestrator(t, &scriptedGateway{}, config.ChatConfig{})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")
	if _, err := o.GenerateTitle(ctx, created.ID); !errors.Is(err, session.ErrNoMessages) {
		t.Fatalf("err = %v, want ErrNoMessages", err)
	}
}

func TestQualityReviewRegeneratesOnce(t *testing.T) {
	gw := &scriptedGateway{
		replies:      []string{"sloppy draft", "polished answer"},
		reviewPass:   false,
		reviewReason: "too vague",
	}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{QualityCheck: true})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	reply, err := o.Turn(ctx, created.ID, "explain channels")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply.Content != "polished answer" {
		t.Errorf("reply = %q, want the regenerated answer", reply.Content)
	}
	if gw.replyCalls != 2 {
		t.Errorf("replyCalls = %d, want exactly one retry", gw.replyCalls)
	}

	messages, _ := repo.Messages(ctx, created.ID)
	if len(messages) != 2 {
		t.Fatalf("len(messages) = %d, the draft must not be persisted", len(messages))
	}
	if messages[1].Content != "polished answer" {
		t.Errorf("persisted = %q", messages[1].Content)
	}
}

func TestQualityReviewPassKeepsAnswer(t *testing.T) {
	gw := &scriptedGateway{replies: []string{"good answer"}, reviewPass: true}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{QualityCheck: true})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	reply, err := o.Turn(ctx, created.ID, "q")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply.Content != "good answer" {
		t.Errorf("reply = %q", reply.Content)
	}
	if gw.replyCalls != 1 {
		t.Errorf("replyCalls = %d, want 1", gw.replyCalls)
	}
}

func TestQualityReviewErrorKeepsAnswer(t *testing.T) {
	gw := &scriptedGateway{
		replies:   []string{"answer"},
		reviewErr: fmt.Errorf("%w: reviewer down", ai.ErrUpstream),
	}
	o, repo := newTestOrchestrator(t, gw, config.ChatConfig{QualityCheck: true})
	ctx := context.Background()
	created, _ := repo.Create(ctx, "")

	reply, err := o.Turn(ctx, created.ID, "q")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if reply.Content != "answer" {
		t.Errorf("reply = %q, review failures must not fail the turn", reply.Content)
	}
}

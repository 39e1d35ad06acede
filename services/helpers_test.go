package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"microlearn/llm"
	"microlearn/models"
	"microlearn/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Chat{}, &models.Message{}))
	return db
}

func mustUser(t *testing.T, db *gorm.DB, externalID string) *models.User {
	t.Helper()
	u, err := NewUserService(db, "secret").ResolveIdentity(context.Background(), externalID)
	require.NoError(t, err)
	return u
}

type stubCompleter struct {
	mu    sync.Mutex
	calls []llm.ChatCompletionRequest
	fn    func(req llm.ChatCompletionRequest) (*llm.Reply, error)
}

func (s *stubCompleter) Complete(_ context.Context, req llm.ChatCompletionRequest) (*llm.Reply, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.fn(req)
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func replyWith(content string) func(llm.ChatCompletionRequest) (*llm.Reply, error) {
	return func(req llm.ChatCompletionRequest) (*llm.Reply, error) {
		return &llm.Reply{
			Content:  content,
			Model:    req.Model,
			Usage:    &llm.Usage{PromptTokens: 10, CompletionTokens: 7, TotalTokens: 17},
			Attempts: 1,
		}, nil
	}
}

type stubTitles struct {
	title string
	err   error
	input chan string
}

func (s *stubTitles) GenerateTitle(_ context.Context, firstMessage string) (string, error) {
	if s.input != nil {
		s.input <- firstMessage
	}
	return s.title, s.err
}

type countingResolver struct {
	mu    sync.Mutex
	calls int
	inner IdentityResolver
	err   error
}

func (r *countingResolver) ResolveIdentity(ctx context.Context, externalID string) (*models.User, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.inner.ResolveIdentity(ctx, externalID)
}

// brokenStore fails every operation.
type brokenStore struct{}

var errStoreDown = errors.New("connection refused")

func (brokenStore) CreateChat(context.Context, uint, string) (*models.Chat, error) {
	return nil, &PersistenceError{Op: "create chat", Err: errStoreDown}
}
func (brokenStore) GetChat(context.Context, string) (*models.Chat, error) {
	return nil, &PersistenceError{Op: "get chat", Err: errStoreDown}
}
func (brokenStore) ListChats(context.Context, uint, int, int) ([]models.ChatResponse, error) {
	return nil, &PersistenceError{Op: "list chats", Err: errStoreDown}
}
func (brokenStore) UpdateTitle(context.Context, string, string) error {
	return &PersistenceError{Op: "update title", Err: errStoreDown}
}
func (brokenStore) DeleteChat(context.Context, string) error {
	return &PersistenceError{Op: "delete chat", Err: errStoreDown}
}
func (brokenStore) AppendMessages(context.Context, string, []models.Message) error {
	return &PersistenceError{Op: "append messages", Err: errStoreDown}
}
func (brokenStore) ListMessages(context.Context, string, int, int) ([]models.Message, error) {
	return nil, &PersistenceError{Op: "list messages", Err: errStoreDown}
}
func (brokenStore) CountMessages(context.Context, string) (int64, error) {
	return 0, &PersistenceError{Op: "count messages", Err: errStoreDown}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newRecordingBus(t *testing.T) (EventBus, *eventRecorder) {
	t.Helper()
	bus := NewLocalBus()
	rec := &eventRecorder{}
	require.NoError(t, bus.StartForwarder(context.Background(), rec.record))
	return bus, rec
}

var testLog = utils.NewNopLogger()

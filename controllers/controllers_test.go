package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"microlearn/controllers"
	"microlearn/database"
	"microlearn/handlers"
	"microlearn/llm"
	"microlearn/middleware"
	"microlearn/models"
	"microlearn/routes"
	"microlearn/services"
	"microlearn/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "controller-secret"

type completerFunc func(ctx context.Context, req llm.ChatCompletionRequest) (*llm.Reply, error)

func (f completerFunc) Complete(ctx context.Context, req llm.ChatCompletionRequest) (*llm.Reply, error) {
	return f(ctx, req)
}

type testServer struct {
	router *gin.Engine
	tasks  *services.TaskRunner
	users  *services.UserService

	mu       sync.Mutex
	provider func(req llm.ChatCompletionRequest) (*llm.Reply, error)
}

type serverOptions struct {
	requireAuth bool
	development bool
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	log := utils.NewNopLogger()
	ts := &testServer{
		tasks: services.NewTaskRunner(log, time.Second),
		users: services.NewUserService(db, testSecret),
		provider: func(req llm.ChatCompletionRequest) (*llm.Reply, error) {
			if req.MaxTokens == 20 {
				return &llm.Reply{Content: "Greeting Chat", Model: req.Model}, nil
			}
			return &llm.Reply{Content: "Hello from the model", Model: req.Model, Usage: &llm.Usage{CompletionTokens: 5}}, nil
		},
	}
	completer := completerFunc(func(_ context.Context, req llm.ChatCompletionRequest) (*llm.Reply, error) {
		ts.mu.Lock()
		fn := ts.provider
		ts.mu.Unlock()
		return fn(req)
	})

	store := services.NewGormChatStore(db)
	bus := services.NewLocalBus()
	hub := services.NewHubService(log)
	reconciler := services.NewReconciler(store, services.NewTitleService(completer, "title/model"), ts.tasks, bus, log)
	optimizer := llm.NewOptimizer(llm.OptimizerConfig{TokenBudget: 1000, CharsPerToken: 4})
	chatService := services.NewChatService(store, completer, optimizer, reconciler, bus, services.CompletionDefaults{
		Model: "test/model", Temperature: 0.7, MaxTokens: 2000, TopP: 1,
	}, log)

	guards := routes.Guards{
		Required: middleware.AuthRequired(testSecret, log),
		Chat:     middleware.AuthRequired(testSecret, log),
	}
	if !opts.requireAuth {
		guards.Chat = middleware.OptionalAuth(testSecret, log)
	}

	r := gin.New()
	r.Use(middleware.ErrorHandler(log, opts.development))
	routes.SetupRoutes(r, guards,
		controllers.NewAuthController(ts.users, log),
		controllers.NewChatController(chatService, ts.users, log, opts.development),
		handlers.NewWebSocketHandler(hub, ts.users, nil, log),
	)
	ts.router = r
	return ts
}

func (ts *testServer) setProvider(fn func(req llm.ChatCompletionRequest) (*llm.Reply, error)) {
	ts.mu.Lock()
	ts.provider = fn
	ts.mu.Unlock()
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, err := utils.GenerateJWT(subject, testSecret)
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func helloBody(chatID *string) gin.H {
	body := gin.H{"messages": []gin.H{{"role": "user", "content": "Hello"}}}
	if chatID != nil {
		body["chatId"] = *chatID
	}
	return body
}

func TestChat_NewConversationFlow(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true})
	token := tokenFor(t, "user-1")

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", token, helloBody(nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.ChatReplyResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Hello from the model", resp.Reply)
	require.NotNil(t, resp.ChatID)
	require.NotNil(t, resp.Title)
	assert.Equal(t, "New Chat", *resp.Title)
	assert.Equal(t, 1, resp.MessageCount)

	ts.tasks.Wait()

	rec = ts.do(t, http.MethodGet, "/api/v1/chats/"+*resp.ChatID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Data models.ChatWithMessagesResponse `json:"data"`
	}
	decode(t, rec, &detail)
	assert.Equal(t, "Greeting Chat", detail.Data.Title)
	require.Len(t, detail.Data.Messages, 2)
	assert.Equal(t, 5, detail.Data.Messages[1].TokensUsed)

	rec = ts.do(t, http.MethodPost, "/api/v1/ai/chat", token, gin.H{
		"chatId": *resp.ChatID,
		"messages": []gin.H{
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hello from the model"},
			{"role": "user", "content": "Tell me more"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var second models.ChatReplyResponse
	decode(t, rec, &second)
	require.NotNil(t, second.ChatID)
	assert.Equal(t, *resp.ChatID, *second.ChatID)
	assert.Equal(t, 3, second.MessageCount)
	ts.tasks.Wait()

	rec = ts.do(t, http.MethodGet, "/api/v1/chats/"+*resp.ChatID+"/messages?limit=10", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Data []models.Message `json:"data"`
	}
	decode(t, rec, &msgs)
	assert.Len(t, msgs.Data, 4)
}

func TestChat_RequiresAuthWhenConfigured(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true})
	rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", "", helloBody(nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_AnonymousWhenAllowed(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: false})
	rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", "", helloBody(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reply":"Hello from the model","chatId":null,"title":null,"messageCount":1}`, rec.Body.String())
}

func TestChat_InvalidInput(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true})
	token := tokenFor(t, "user-1")
	called := false
	ts.setProvider(func(req llm.ChatCompletionRequest) (*llm.Reply, error) {
		called = true
		return &llm.Reply{Content: "x"}, nil
	})

	bodies := []interface{}{
		gin.H{"messages": []gin.H{}},
		gin.H{"messages": []gin.H{{"role": "user"}}},
		gin.H{"messages": []gin.H{{"role": "robot", "content": "hi"}}},
	}
	for _, body := range bodies {
		rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		var errResp models.ErrorResponse
		decode(t, rec, &errResp)
		assert.Equal(t, "invalid_input", errResp.Kind)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/chat", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}

func TestChat_ProviderErrorMapping(t *testing.T) {
	cases := []struct {
		kind   llm.ErrorKind
		status int
	}{
		{llm.KindRateLimited, http.StatusTooManyRequests},
		{llm.KindServerError, http.StatusServiceUnavailable},
		{llm.KindNetwork, http.StatusServiceUnavailable},
		{llm.KindTimeout, http.StatusGatewayTimeout},
		{llm.KindAuth, http.StatusInternalServerError},
		{llm.KindBadRequest, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			ts := newTestServer(t, serverOptions{requireAuth: true})
			ts.setProvider(func(llm.ChatCompletionRequest) (*llm.Reply, error) {
				return nil, &llm.ProviderError{Kind: tc.kind, Message: "upstream said no", Attempts: 1}
			})

			rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", tokenFor(t, "user-1"), helloBody(nil))
			assert.Equal(t, tc.status, rec.Code)

			var errResp models.ErrorResponse
			decode(t, rec, &errResp)
			assert.Equal(t, string(tc.kind), errResp.Kind)
			assert.NotEmpty(t, errResp.Error)
			assert.Empty(t, errResp.Details)
		})
	}
}

func TestChat_DetailsOnlyInDevelopment(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true, development: true})
	ts.setProvider(func(llm.ChatCompletionRequest) (*llm.Reply, error) {
		return nil, &llm.ProviderError{Kind: llm.KindServerError, StatusCode: 502, Message: "bad gateway", Attempts: 4}
	})

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", tokenFor(t, "user-1"), helloBody(nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp models.ErrorResponse
	decode(t, rec, &errResp)
	assert.Contains(t, errResp.Details, "bad gateway")
}

func TestChat_ForeignChatIdIsDropped(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true})

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", tokenFor(t, "owner"), helloBody(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var owned models.ChatReplyResponse
	decode(t, rec, &owned)
	ts.tasks.Wait()

	rec = ts.do(t, http.MethodPost, "/api/v1/ai/chat", tokenFor(t, "intruder"), helloBody(owned.ChatID))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.ChatReplyResponse
	decode(t, rec, &resp)
	assert.Equal(t, "Hello from the model", resp.Reply)
	assert.Nil(t, resp.ChatID)
	ts.tasks.Wait()

	rec = ts.do(t, http.MethodGet, "/api/v1/chats/"+*owned.ChatID, tokenFor(t, "intruder"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChats_CRUD(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true})
	token := tokenFor(t, "user-1")

	rec := ts.do(t, http.MethodPost, "/api/v1/ai/chat", token, helloBody(nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var created models.ChatReplyResponse
	decode(t, rec, &created)
	ts.tasks.Wait()
	id := *created.ChatID

	rec = ts.do(t, http.MethodGet, "/api/v1/chats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []models.ChatResponse `json:"data"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, id, list.Data[0].ID)
	assert.EqualValues(t, 2, list.Data[0].MessageCount)

	rec = ts.do(t, http.MethodPut, "/api/v1/chats/"+id, token, gin.H{"title": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/chats/"+id, token, gin.H{"title": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/chats/"+id, tokenFor(t, "user-2"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/chats/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/v1/chats/"+id, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/chats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProviderStatus(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true})
	token := tokenFor(t, "user-1")

	rec := ts.do(t, http.MethodGet, "/api/v1/ai/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.ProviderStatusResponse
	decode(t, rec, &status)
	assert.True(t, status.Success)

	ts.setProvider(func(llm.ChatCompletionRequest) (*llm.Reply, error) {
		return nil, &llm.ProviderError{Kind: llm.KindAuth, StatusCode: 401, Message: "invalid key"}
	})
	rec = ts.do(t, http.MethodGet, "/api/v1/ai/status", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth_RegisterLoginMe(t *testing.T) {
	ts := newTestServer(t, serverOptions{requireAuth: true})

	rec := ts.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"email": "grace@example.com", "username": "grace", "password": "cobol123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reg models.AuthResponse
	decode(t, rec, &reg)
	require.NotEmpty(t, reg.Token)
	assert.NotContains(t, rec.Body.String(), "cobol123")

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"email": "grace@example.com", "username": "grace2", "password": "cobol123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "grace@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "grace@example.com", "password": "cobol123"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login models.AuthResponse
	decode(t, rec, &login)

	rec = ts.do(t, http.MethodGet, "/api/v1/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Data models.User `json:"data"`
	}
	decode(t, rec, &me)
	assert.Equal(t, reg.User.ExternalID, me.Data.ExternalID)
	require.NotNil(t, me.Data.Email)
	assert.Equal(t, "grace@example.com", *me.Data.Email)
}

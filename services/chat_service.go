package services

import (
	"context"
	"time"

	"microlearn/llm"
	"microlearn/models"
	"microlearn/utils"

	"golang.org/x/sync/errgroup"
)

const maxChatPage = 50

// CompletionDefaults fill in request fields the caller leaves out.
type CompletionDefaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
}

type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
}

type RespondResult struct {
	Reply        string
	ChatID       *string
	Title        *string
	MessageCount int
	Model        string
}

type ChatService struct {
	store      ChatStore
	completer  llm.Completer
	optimizer  *llm.Optimizer
	reconciler *Reconciler
	events     EventBus
	defaults   CompletionDefaults
	log        *utils.Logger
}

func NewChatService(store ChatStore, completer llm.Completer, optimizer *llm.Optimizer, reconciler *Reconciler, events EventBus, defaults CompletionDefaults, log *utils.Logger) *ChatService {
	if log == nil {
		log = utils.NewNopLogger()
	}
	if events == nil {
		events = NewLocalBus()
	}
	return &ChatService{
		store:      store,
		completer:  completer,
		optimizer:  optimizer,
		reconciler: reconciler,
		events:     events,
		defaults:   defaults,
		log:        log.With("service", "ChatService"),
	}
}

// Respond validates and bounds the conversation, calls the provider while the caller's
// identity resolves, and hands the exchange to the reconciler. Only provider and validation
// failures are returned.
func (cs *ChatService) Respond(ctx context.Context, turns []llm.Turn, scope *RequestScope, chatID *string, opts ChatOptions) (*RespondResult, error) {
	optimized, err := cs.optimizer.Optimize(turns)
	if err != nil {
		return nil, err
	}
	if optimized.Truncated || optimized.Overflow || optimized.DroppedHistory > 0 {
		cs.log.Info("conversation trimmed to budget",
			"budget", cs.optimizer.Budget(),
			"estimated_tokens", optimized.EstimatedTokens,
			"dropped", optimized.DroppedHistory,
			"truncated", optimized.Truncated,
			"overflow", optimized.Overflow,
		)
	}

	req := cs.completionRequest(optimized.Turns, opts)

	start := time.Now()
	var reply *llm.Reply
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := cs.completer.Complete(gctx, req)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	g.Go(func() error {
		// Failures are memoized on the scope and handled by the reconciler.
		_, _ = scope.User(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		cs.log.Warn("chat completion failed", "kind", string(llm.KindOf(err)), "error", err, "latency", time.Since(start).String())
		return nil, err
	}

	latest := turns[len(turns)-1]
	first, _ := llm.FirstUserTurn(turns)
	ex := Exchange{
		User:             latest,
		Assistant:        llm.Turn{Role: llm.RoleAssistant, Content: reply.Content},
		FirstUserMessage: first.Content,
		Model:            req.Model,
	}
	if reply.Model != "" {
		ex.Model = reply.Model
	}
	if reply.Usage != nil {
		ex.TokensUsed = reply.Usage.CompletionTokens
	}

	saved := cs.reconciler.Reconcile(ctx, scope, chatID, ex)

	return &RespondResult{
		Reply:        reply.Content,
		ChatID:       saved.ChatID,
		Title:        saved.Title,
		MessageCount: callerTurnsSent(turns, optimized),
		Model:        ex.Model,
	}, nil
}

// callerTurnsSent counts the caller's own turns that reached the provider. A default system
// prompt added by the optimizer is not one of them.
func callerTurnsSent(turns []llm.Turn, optimized *llm.OptimizedContext) int {
	n := optimized.RetainedHistory + 1
	for _, t := range turns {
		if t.Role == llm.RoleSystem {
			return n + 1
		}
	}
	return n
}

func (cs *ChatService) completionRequest(turns []llm.Turn, opts ChatOptions) llm.ChatCompletionRequest {
	req := llm.ChatCompletionRequest{
		Model:       cs.defaults.Model,
		Messages:    turns,
		Temperature: cs.defaults.Temperature,
		MaxTokens:   cs.defaults.MaxTokens,
		TopP:        cs.defaults.TopP,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
		req.MaxTokens = *opts.MaxTokens
	}
	return req
}

// CheckProvider sends a minimal prompt to confirm the provider is reachable.
func (cs *ChatService) CheckProvider(ctx context.Context) models.ProviderStatusResponse {
	reply, err := cs.completer.Complete(ctx, llm.ChatCompletionRequest{
		Model:       cs.defaults.Model,
		Messages:    []llm.Turn{{Role: llm.RoleUser, Content: "Hi"}},
		Temperature: 0.5,
		MaxTokens:   10,
		TopP:        1,
	})
	if err != nil {
		return models.ProviderStatusResponse{Success: false, Model: cs.defaults.Model, Message: err.Error()}
	}
	return models.ProviderStatusResponse{Success: true, Model: reply.Model, Message: "provider connection successful"}
}

func (cs *ChatService) GetUserChats(ctx context.Context, userID uint, limit, offset int) ([]models.ChatResponse, error) {
	if limit <= 0 || limit > maxChatPage {
		limit = maxChatPage
	}
	if offset < 0 {
		offset = 0
	}
	return cs.store.ListChats(ctx, userID, limit, offset)
}

func (cs *ChatService) GetChatByID(ctx context.Context, chatID string, userID uint) (*models.ChatWithMessagesResponse, error) {
	chat, err := cs.ownedChat(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}

	messages, err := cs.store.ListMessages(ctx, chatID, 0, 0)
	if err != nil {
		return nil, err
	}

	return &models.ChatWithMessagesResponse{
		ChatResponse: models.ChatResponse{
			ID:           chat.ID,
			UserID:       chat.UserID,
			Title:        chat.Title,
			CreatedAt:    chat.CreatedAt,
			UpdatedAt:    chat.UpdatedAt,
			MessageCount: int64(len(messages)),
		},
		Messages: messages,
	}, nil
}

func (cs *ChatService) GetChatMessages(ctx context.Context, chatID string, userID uint, limit, offset int) ([]models.Message, error) {
	if _, err := cs.ownedChat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return cs.store.ListMessages(ctx, chatID, limit, offset)
}

func (cs *ChatService) UpdateChat(ctx context.Context, chatID string, userID uint, req *models.UpdateChatRequest) (*models.Chat, error) {
	chat, err := cs.ownedChat(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}

	title := CleanTitle(req.Title)
	if title == "" || title == chat.Title {
		return chat, nil
	}
	if err := cs.store.UpdateTitle(ctx, chatID, title); err != nil {
		return nil, err
	}
	chat.Title = title
	cs.publish(ctx, userID, models.EventChatTitleUpdated, map[string]string{"chatId": chatID, "title": title})
	return chat, nil
}

func (cs *ChatService) DeleteChat(ctx context.Context, chatID string, userID uint) error {
	if _, err := cs.ownedChat(ctx, chatID, userID); err != nil {
		return err
	}
	if err := cs.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	cs.publish(ctx, userID, models.EventChatDeleted, map[string]string{"chatId": chatID})
	return nil
}

func (cs *ChatService) ownedChat(ctx context.Context, chatID string, userID uint) (*models.Chat, error) {
	chat, err := cs.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.UserID != userID {
		return nil, ErrForbidden
	}
	return chat, nil
}

func (cs *ChatService) publish(ctx context.Context, userID uint, eventType string, data interface{}) {
	if err := cs.events.Publish(ctx, Event{UserID: userID, Type: eventType, Data: data}); err != nil {
		cs.log.Warn("publish event failed", "type", eventType, "error", err)
	}
}

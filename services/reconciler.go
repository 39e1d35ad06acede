package services

import (
	"context"
	"errors"

	"microlearn/llm"
	"microlearn/models"
	"microlearn/utils"
)

// Exchange is one successful request/reply pair ready to be recorded.
type Exchange struct {
	User      llm.Turn
	Assistant llm.Turn
	// FirstUserMessage seeds title generation for new chats.
	FirstUserMessage string
	Model            string
	TokensUsed       int
}

type ReconcileResult struct {
	ChatID *string
	Title  *string
}

// Reconciler records exchanges. Only chat creation and the ownership check run on the
// caller's goroutine; message rows and titles are written by background tasks.
type Reconciler struct {
	store  ChatStore
	titles TitleGenerator
	tasks  *TaskRunner
	events EventBus
	log    *utils.Logger
}

func NewReconciler(store ChatStore, titles TitleGenerator, tasks *TaskRunner, events EventBus, log *utils.Logger) *Reconciler {
	if log == nil {
		log = utils.NewNopLogger()
	}
	if events == nil {
		events = NewLocalBus()
	}
	return &Reconciler{
		store:  store,
		titles: titles,
		tasks:  tasks,
		events: events,
		log:    log.With("component", "Reconciler"),
	}
}

// Reconcile never fails. Store problems degrade the result to a missing chat id or title.
func (r *Reconciler) Reconcile(ctx context.Context, scope *RequestScope, chatID *string, ex Exchange) ReconcileResult {
	if scope.Anonymous() {
		return ReconcileResult{}
	}

	user, err := scope.User(ctx)
	if err != nil || user == nil {
		r.log.Error("identity resolution failed, skipping persistence", "identity", scope.ExternalID(), "error", err)
		return ReconcileResult{ChatID: chatID}
	}

	if chatID == nil || *chatID == "" {
		return r.startChat(ctx, user.ID, ex)
	}
	return r.appendToChat(ctx, user.ID, *chatID, ex)
}

func (r *Reconciler) startChat(ctx context.Context, userID uint, ex Exchange) ReconcileResult {
	chat, err := r.store.CreateChat(ctx, userID, models.DefaultChatTitle)
	if err != nil {
		r.log.Error("create chat failed", "error", err)
		return ReconcileResult{}
	}
	r.publish(ctx, userID, models.EventChatCreated, chat)

	r.scheduleMessages(userID, chat.ID, ex)
	r.scheduleTitle(userID, chat.ID, ex.FirstUserMessage)

	id, title := chat.ID, chat.Title
	return ReconcileResult{ChatID: &id, Title: &title}
}

func (r *Reconciler) appendToChat(ctx context.Context, userID uint, chatID string, ex Exchange) ReconcileResult {
	chat, err := r.store.GetChat(ctx, chatID)
	switch {
	case errors.Is(err, ErrChatNotFound):
		r.log.Warn("chat not found, reply left unassigned", "chat_id", chatID)
		return ReconcileResult{}
	case err != nil:
		r.log.Error("chat lookup failed", "chat_id", chatID, "error", err)
		return ReconcileResult{ChatID: &chatID}
	case chat.UserID != userID:
		r.log.Warn("chat ownership mismatch, reply left unassigned", "chat_id", chatID, "user_id", userID)
		return ReconcileResult{}
	}

	r.scheduleMessages(userID, chatID, ex)

	title := chat.Title
	return ReconcileResult{ChatID: &chatID, Title: &title}
}

func (r *Reconciler) scheduleMessages(userID uint, chatID string, ex Exchange) {
	r.tasks.Go("save messages", func(ctx context.Context) error {
		messages := []models.Message{
			{Role: string(ex.User.Role), Content: ex.User.Content, Model: ex.Model},
			{Role: string(ex.Assistant.Role), Content: ex.Assistant.Content, Model: ex.Model, TokensUsed: ex.TokensUsed},
		}
		if err := r.store.AppendMessages(ctx, chatID, messages); err != nil {
			return err
		}
		r.publish(ctx, userID, models.EventMessagesCreated, map[string]interface{}{
			"chatId":   chatID,
			"messages": messages,
		})
		return nil
	})
}

func (r *Reconciler) scheduleTitle(userID uint, chatID, firstMessage string) {
	if r.titles == nil {
		return
	}
	r.tasks.Go("generate title", func(ctx context.Context) error {
		title, err := r.titles.GenerateTitle(ctx, firstMessage)
		if err != nil {
			r.log.Warn("title generation failed, using fallback", "chat_id", chatID, "error", err)
			title = FallbackTitle(firstMessage)
		}
		if title == "" {
			return nil
		}
		if err := r.store.UpdateTitle(ctx, chatID, title); err != nil {
			return err
		}
		r.publish(ctx, userID, models.EventChatTitleUpdated, map[string]string{
			"chatId": chatID,
			"title":  title,
		})
		return nil
	})
}

func (r *Reconciler) publish(ctx context.Context, userID uint, eventType string, data interface{}) {
	if err := r.events.Publish(ctx, Event{UserID: userID, Type: eventType, Data: data}); err != nil {
		r.log.Warn("publish event failed", "type", eventType, "error", err)
	}
}

package services

import (
	"context"
	"errors"
	"time"

	"microlearn/models"

	"gorm.io/gorm"
)

// ChatStore is the persistence surface used by the chat pipeline and the history API.
// Every failure other than ErrChatNotFound comes back as *PersistenceError.
type ChatStore interface {
	CreateChat(ctx context.Context, userID uint, title string) (*models.Chat, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	ListChats(ctx context.Context, userID uint, limit, offset int) ([]models.ChatResponse, error)
	UpdateTitle(ctx context.Context, chatID, title string) error
	DeleteChat(ctx context.Context, chatID string) error
	AppendMessages(ctx context.Context, chatID string, messages []models.Message) error
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]models.Message, error)
	CountMessages(ctx context.Context, chatID string) (int64, error)
}

type GormChatStore struct {
	db *gorm.DB
}

func NewGormChatStore(db *gorm.DB) *GormChatStore {
	return &GormChatStore{db: db}
}

func (s *GormChatStore) CreateChat(ctx context.Context, userID uint, title string) (*models.Chat, error) {
	chat := &models.Chat{UserID: userID, Title: title}
	if err := s.db.WithContext(ctx).Create(chat).Error; err != nil {
		return nil, persistErr("create chat", err)
	}
	return chat, nil
}

func (s *GormChatStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.WithContext(ctx).Where("id = ?", chatID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, persistErr("get chat", err)
	}
	return &chat, nil
}

func (s *GormChatStore) ListChats(ctx context.Context, userID uint, limit, offset int) ([]models.ChatResponse, error) {
	var chats []models.Chat

	query := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("updated_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&chats).Error; err != nil {
		return nil, persistErr("list chats", err)
	}

	responses := make([]models.ChatResponse, 0, len(chats))
	for _, chat := range chats {
		response := models.ChatResponse{
			ID:        chat.ID,
			UserID:    chat.UserID,
			Title:     chat.Title,
			CreatedAt: chat.CreatedAt,
			UpdatedAt: chat.UpdatedAt,
		}

		if err := s.db.WithContext(ctx).Model(&models.Message{}).Where("chat_id = ?", chat.ID).
			Count(&response.MessageCount).Error; err != nil {
			return nil, persistErr("count messages", err)
		}

		var lastMessage models.Message
		if err := s.db.WithContext(ctx).Where("chat_id = ?", chat.ID).
			Order("created_at DESC, id DESC").
			First(&lastMessage).Error; err == nil {
			response.LastMessage = &lastMessage
		}

		responses = append(responses, response)
	}

	return responses, nil
}

// UpdateTitle leaves updated_at alone so a late title does not reorder the chat list.
func (s *GormChatStore) UpdateTitle(ctx context.Context, chatID, title string) error {
	result := s.db.WithContext(ctx).Model(&models.Chat{}).Where("id = ?", chatID).
		UpdateColumn("title", title)
	if result.Error != nil {
		return persistErr("update title", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// DeleteChat removes the chat and its messages in one transaction. Messages are deleted
// explicitly since SQLite only honours ON DELETE CASCADE with foreign keys enabled.
func (s *GormChatStore) DeleteChat(ctx context.Context, chatID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", chatID).Delete(&models.Chat{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrChatNotFound
		}
		return nil
	})
	return persistErr("delete chat", err)
}

// AppendMessages inserts the batch and bumps the chat's updated_at in a single transaction.
func (s *GormChatStore) AppendMessages(ctx context.Context, chatID string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		batch := make([]models.Message, len(messages))
		for i, m := range messages {
			m.ID = 0
			m.ChatID = chatID
			// Keep pair order stable for ORDER BY created_at.
			m.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
			batch[i] = m
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}
		result := tx.Model(&models.Chat{}).Where("id = ?", chatID).
			UpdateColumn("updated_at", now.Add(time.Duration(len(batch))*time.Microsecond))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrChatNotFound
		}
		return nil
	})
	return persistErr("append messages", err)
}

func (s *GormChatStore) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]models.Message, error) {
	var messages []models.Message

	query := s.db.WithContext(ctx).Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&messages).Error; err != nil {
		return nil, persistErr("list messages", err)
	}
	return messages, nil
}

func (s *GormChatStore) CountMessages(ctx context.Context, chatID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Message{}).Where("chat_id = ?", chatID).
		Count(&n).Error; err != nil {
		return 0, persistErr("count messages", err)
	}
	return n, nil
}

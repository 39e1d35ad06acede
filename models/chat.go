package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultChatTitle = "New Chat"

type Chat struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    uint      `json:"userId" gorm:"not null;index"`
	Title     string    `json:"title" gorm:"not null;default:'New Chat'"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"index"`
	User      User      `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Messages  []Message `json:"messages,omitempty" gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE"`
}

func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = DefaultChatTitle
	}
	return nil
}

// Message rows are written in user/assistant pairs and never updated.
type Message struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	ChatID     string    `json:"chatId" gorm:"type:varchar(36);not null;index"`
	Role       string    `json:"role" gorm:"not null"`
	Content    string    `json:"content" gorm:"type:text;not null"`
	Model      string    `json:"model"`
	TokensUsed int       `json:"tokensUsed" gorm:"default:0"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChatMessage fields are validated by the chat pipeline, not by binding tags, so callers get
// the pipeline's error text.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	ChatID      *string       `json:"chatId"`
	Model       string        `json:"model"`
	Temperature *float64      `json:"temperature"`
	MaxTokens   *int          `json:"maxTokens"`
}

type ChatReplyResponse struct {
	Reply        string  `json:"reply"`
	ChatID       *string `json:"chatId"`
	Title        *string `json:"title"`
	MessageCount int     `json:"messageCount"`
}

type UpdateChatRequest struct {
	Title string `json:"title" binding:"required,min=1,max=100"`
}

type ChatResponse struct {
	ID           string    `json:"id"`
	UserID       uint      `json:"userId"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int64     `json:"messageCount"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
}

type ChatWithMessagesResponse struct {
	ChatResponse
	Messages []Message `json:"messages"`
}

type ProviderStatusResponse struct {
	Success bool   `json:"success"`
	Model   string `json:"model,omitempty"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

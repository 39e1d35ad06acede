package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"microlearn/llm"
	"microlearn/middleware"
	"microlearn/models"
	"microlearn/services"
	"microlearn/utils"

	"github.com/gin-gonic/gin"
)

type ChatController struct {
	chatService *services.ChatService
	userService *services.UserService
	log         *utils.Logger
	development bool
}

func NewChatController(chatService *services.ChatService, userService *services.UserService, log *utils.Logger, development bool) *ChatController {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &ChatController{
		chatService: chatService,
		userService: userService,
		log:         log.With("controller", "ChatController"),
		development: development,
	}
}

// Chat godoc
// @Summary Send a conversation to the AI
// @Description Returns the assistant reply. Authenticated callers also get the chat id and title the exchange was recorded under.
// @Tags ai
// @Accept json
// @Produce json
// @Param request body models.ChatRequest true "Conversation"
// @Success 200 {object} models.ChatReplyResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Failure 504 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ai/chat [post]
func (cc *ChatController) Chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		cc.respondError(c, &llm.InvalidInputError{Reason: "Invalid request format"}, err)
		return
	}

	turns := make([]llm.Turn, len(req.Messages))
	for i, m := range req.Messages {
		turns[i] = llm.Turn{Role: llm.Role(m.Role), Content: m.Content}
	}

	identity, _ := middleware.Identity(c)
	scope := services.NewRequestScope(identity, cc.userService)

	res, err := cc.chatService.Respond(c.Request.Context(), turns, scope, req.ChatID, services.ChatOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		cc.respondError(c, err, err)
		return
	}

	c.JSON(http.StatusOK, models.ChatReplyResponse{
		Reply:        res.Reply,
		ChatID:       res.ChatID,
		Title:        res.Title,
		MessageCount: res.MessageCount,
	})
}

// ProviderStatus godoc
// @Summary Check the AI provider connection
// @Tags ai
// @Produce json
// @Success 200 {object} models.ProviderStatusResponse
// @Failure 503 {object} models.ProviderStatusResponse
// @Security BearerAuth
// @Router /ai/status [get]
func (cc *ChatController) ProviderStatus(c *gin.Context) {
	status := cc.chatService.CheckProvider(c.Request.Context())
	if !status.Success {
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetUserChats godoc
// @Summary List the caller's chats, most recently updated first
// @Tags chats
// @Produce json
// @Param limit query int false "Page size (max 50)"
// @Param offset query int false "Offset"
// @Success 200 {array} models.ChatResponse
// @Security BearerAuth
// @Router /chats [get]
func (cc *ChatController) GetUserChats(c *gin.Context) {
	user, ok := cc.currentUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	chats, err := cc.chatService.GetUserChats(c.Request.Context(), user.ID, limit, offset)
	if err != nil {
		cc.respondStoreError(c, err, "Failed to fetch chats")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": chats})
}

// GetChat godoc
// @Summary Get a chat with its messages
// @Tags chats
// @Produce json
// @Param id path string true "Chat ID"
// @Success 200 {object} models.ChatWithMessagesResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /chats/{id} [get]
func (cc *ChatController) GetChat(c *gin.Context) {
	user, ok := cc.currentUser(c)
	if !ok {
		return
	}

	chat, err := cc.chatService.GetChatByID(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		cc.respondStoreError(c, err, "Failed to fetch chat details")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": chat})
}

// UpdateChat godoc
// @Summary Rename a chat
// @Tags chats
// @Accept json
// @Produce json
// @Param id path string true "Chat ID"
// @Param request body models.UpdateChatRequest true "New title"
// @Success 200 {object} models.Chat
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /chats/{id} [put]
func (cc *ChatController) UpdateChat(c *gin.Context) {
	user, ok := cc.currentUser(c)
	if !ok {
		return
	}

	var req models.UpdateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		cc.respondError(c, &llm.InvalidInputError{Reason: "Invalid request format"}, err)
		return
	}

	chat, err := cc.chatService.UpdateChat(c.Request.Context(), c.Param("id"), user.ID, &req)
	if err != nil {
		cc.respondStoreError(c, err, "Failed to update chat")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": chat})
}

// DeleteChat godoc
// @Summary Delete a chat and its messages
// @Tags chats
// @Produce json
// @Param id path string true "Chat ID"
// @Success 200 {object} map[string]bool
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /chats/{id} [delete]
func (cc *ChatController) DeleteChat(c *gin.Context) {
	user, ok := cc.currentUser(c)
	if !ok {
		return
	}

	if err := cc.chatService.DeleteChat(c.Request.Context(), c.Param("id"), user.ID); err != nil {
		cc.respondStoreError(c, err, "Failed to delete chat")
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetChatMessages godoc
// @Summary List a chat's messages, oldest first
// @Tags chats
// @Produce json
// @Param id path string true "Chat ID"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {array} models.Message
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /chats/{id}/messages [get]
func (cc *ChatController) GetChatMessages(c *gin.Context) {
	user, ok := cc.currentUser(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, err := cc.chatService.GetChatMessages(c.Request.Context(), c.Param("id"), user.ID, limit, offset)
	if err != nil {
		cc.respondStoreError(c, err, "Failed to fetch messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": messages})
}

func (cc *ChatController) currentUser(c *gin.Context) (*models.User, bool) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized", Kind: "unauthenticated"})
		return nil, false
	}
	user, err := cc.userService.ResolveIdentity(c.Request.Context(), identity)
	if err != nil {
		cc.log.Error("resolve identity failed", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, cc.errorBody("An unexpected error occurred. Please try again.", "internal", err))
		return nil, false
	}
	return user, true
}

// respondError maps pipeline failures to the caller-facing status and message.
func (cc *ChatController) respondError(c *gin.Context, err error, cause error) {
	status, msg := http.StatusInternalServerError, "An unexpected error occurred. Please try again."
	kind := llm.KindOf(err)

	var invalid *llm.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		status, msg = http.StatusBadRequest, invalid.Reason
	case kind == llm.KindRateLimited:
		status, msg = http.StatusTooManyRequests, "Too many requests. Please wait a moment and try again."
	case kind == llm.KindServerError, kind == llm.KindNetwork:
		status, msg = http.StatusServiceUnavailable, "AI service temporarily unavailable. Please try again."
	case kind == llm.KindTimeout:
		status, msg = http.StatusGatewayTimeout, "Request timeout. Please try again with a shorter message."
	}

	if status >= 500 {
		cc.log.Error("chat request failed", "kind", string(kind), "status", status, "error", cause)
	}
	c.JSON(status, cc.errorBody(msg, string(kind), cause))
}

func (cc *ChatController) respondStoreError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, services.ErrChatNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Chat not found", Kind: "not_found"})
	case errors.Is(err, services.ErrForbidden):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "Unauthorized", Kind: "forbidden"})
	default:
		cc.log.Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, cc.errorBody(msg, "internal", err))
	}
}

func (cc *ChatController) errorBody(msg, kind string, cause error) models.ErrorResponse {
	body := models.ErrorResponse{Error: msg, Kind: kind}
	if cc.development && cause != nil {
		body.Details = cause.Error()
	}
	return body
}

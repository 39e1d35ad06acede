package routes

import (
	"net/http"

	"microlearn/controllers"
	"microlearn/handlers"

	"github.com/gin-gonic/gin"
)

// Guards holds the auth middleware instances. Chat is OptionalAuth when anonymous chat is
// enabled and AuthRequired otherwise.
type Guards struct {
	Required gin.HandlerFunc
	Chat     gin.HandlerFunc
}

func SetupRoutes(r *gin.Engine, guards Guards, authController *controllers.AuthController, chatController *controllers.ChatController, w *handlers.WebSocketHandler) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", authController.Register)
			auth.POST("/login", authController.Login)
			auth.GET("/me", guards.Required, authController.Me)
			auth.GET("/ws", guards.Required, w.HandleWebSocket)
		}

		ai := api.Group("/ai")
		{
			ai.POST("/chat", guards.Chat, chatController.Chat)
			ai.GET("/status", guards.Required, chatController.ProviderStatus)
		}

		chats := api.Group("/chats")
		chats.Use(guards.Required)
		{
			chats.GET("", chatController.GetUserChats)
			chats.GET("/:id", chatController.GetChat)
			chats.PUT("/:id", chatController.UpdateChat)
			chats.DELETE("/:id", chatController.DeleteChat)
			chats.GET("/:id/messages", chatController.GetChatMessages)
		}
	}
}

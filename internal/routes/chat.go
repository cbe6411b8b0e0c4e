package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/nestbook/chat-backend/internal/handlers"
	"github.com/nestbook/chat-backend/internal/middleware"
)

func RegisterChatRoutes(r gin.IRouter) {
	chat := r.Group("/chat")
	chat.Use(middleware.AuthMiddleware())
	{
		chat.GET("/conversations", handlers.ListConversations)
		chat.GET("/conversations/unread-total", handlers.UnreadTotal)
		chat.GET("/conversations/:id/messages", handlers.GetMessages)
		chat.POST("/messages", middleware.SendRateLimit(), handlers.SendMessage)
		chat.POST("/conversations/:id/read", handlers.MarkRead)
		chat.POST("/conversations/:id/typing", middleware.TypingRateLimit(), handlers.SetTyping)
		chat.DELETE("/conversations/:id", handlers.DeleteConversation)
		chat.POST("/conversations/:id/report", handlers.ReportConversation)
		chat.POST("/blocks/:userId", handlers.BlockUser)
		chat.GET("/presence/:userId", handlers.PresenceStatus)
		chat.POST("/attachments", handlers.UploadAttachment)
	}
}

package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nestbook/chat-backend/internal/models"
	"github.com/nestbook/chat-backend/internal/profile"
	"github.com/nestbook/chat-backend/internal/sync"
	apperrors "github.com/nestbook/chat-backend/pkg/errors"
)

// Wired from main at startup, like the socket server.
var (
	Engine   *sync.Engine
	Profiles *profile.Service
)

func respondErr(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.Internal("Internal server error")
	}
	c.JSON(appErr.HTTPStatus(), gin.H{"error": appErr.Message, "code": appErr.Code})
}

// conversationView is one list entry decorated with the peer's display
// profile and the caller's own unread counter.
type conversationView struct {
	ID              string                 `json:"id"`
	ListingID       string                 `json:"listingId"`
	ListingTitle    string                 `json:"listingTitle"`
	LastMessageText string                 `json:"lastMessageText"`
	LastMessageAt   *time.Time             `json:"lastMessageAt"`
	UnreadCount     int64                  `json:"unreadCount"`
	Reported        bool                   `json:"reported"`
	Other           profile.DisplayProfile `json:"other"`
}

func viewOf(c *gin.Context, conv models.Conversation, userID string) conversationView {
	return conversationView{
		ID:              conv.ID,
		ListingID:       conv.ListingID,
		ListingTitle:    conv.ListingTitle,
		LastMessageText: conv.LastMessageText,
		LastMessageAt:   conv.LastMessageAt,
		UnreadCount:     conv.UnreadFor(userID),
		Reported:        conv.Reported,
		Other:           Profiles.GetDisplayProfile(c.Request.Context(), conv.OtherParticipant(userID)),
	}
}

// ListConversations returns the caller's directory ordered by last activity.
// ?q= filters client-side semantics: listing title or preview text.
func ListConversations(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	convs, err := Engine.Conversations(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}

	q := strings.ToLower(strings.TrimSpace(c.Query("q")))
	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		if q != "" &&
			!strings.Contains(strings.ToLower(conv.ListingTitle), q) &&
			!strings.Contains(strings.ToLower(conv.LastMessageText), q) {
			continue
		}
		views = append(views, viewOf(c, conv, userID))
	}

	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// UnreadTotal returns the cross-conversation badge count.
func UnreadTotal(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	total, err := Engine.UnreadTotal(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unreadTotal": total})
}

// GetMessages returns one thread in authoritative order.
func GetMessages(c *gin.Context) {
	userID := c.MustGet("userId").(string)
	conversationID := c.Param("id")

	msgs, err := Engine.History(c.Request.Context(), conversationID, userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendRequest struct {
	ConversationID  string              `json:"conversationId"`
	RecipientID     string              `json:"recipientId"`
	ListingID       string              `json:"listingId"`
	ListingTitle    string              `json:"listingTitle"`
	Body            string              `json:"body"`
	Attachments     []models.Attachment `json:"attachments"`
	ClientMessageID *string             `json:"clientMessageId"`
}

// SendMessage appends to an existing thread, or lazily starts one when only
// a recipient and listing are given.
func SendMessage(c *gin.Context) {
	senderID := c.MustGet("userId").(string)

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	req.Body = strings.TrimSpace(req.Body)

	var (
		msg *models.Message
		err error
	)
	if req.ConversationID != "" {
		msg, err = Engine.SendMessage(c.Request.Context(), sync.SendRequest{
			ConversationID:  req.ConversationID,
			SenderID:        senderID,
			Body:            req.Body,
			Attachments:     req.Attachments,
			ClientMessageID: req.ClientMessageID,
		})
	} else {
		if req.RecipientID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId or recipientId required"})
			return
		}
		msg, err = Engine.StartConversation(c.Request.Context(), sync.StartRequest{
			SenderID:        senderID,
			RecipientID:     req.RecipientID,
			ListingID:       req.ListingID,
			ListingTitle:    req.ListingTitle,
			Body:            req.Body,
			Attachments:     req.Attachments,
			ClientMessageID: req.ClientMessageID,
		})
	}
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// MarkRead flags the thread read for the caller. Idempotent.
func MarkRead(c *gin.Context) {
	userID := c.MustGet("userId").(string)
	conversationID := c.Param("id")

	if err := Engine.MarkRead(c.Request.Context(), conversationID, userID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// SetTyping writes the caller's own presence signal.
func SetTyping(c *gin.Context) {
	userID := c.MustGet("userId").(string)
	conversationID := c.Param("id")

	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := Engine.SetTyping(c.Request.Context(), conversationID, userID, req.IsTyping); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteConversation hard-deletes for both parties.
func DeleteConversation(c *gin.Context) {
	userID := c.MustGet("userId").(string)
	conversationID := c.Param("id")

	if err := Engine.DeleteConversation(c.Request.Context(), conversationID, userID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type reportRequest struct {
	Reason string `json:"reason"`
}

// ReportConversation flags the thread and removes it from the reporter's view.
func ReportConversation(c *gin.Context) {
	userID := c.MustGet("userId").(string)
	conversationID := c.Param("id")

	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := Engine.ReportConversation(c.Request.Context(), conversationID, userID, req.Reason); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reported": true})
}

// BlockUser records the block relation; open threads between the pair
// degrade immediately.
func BlockUser(c *gin.Context) {
	blockerID := c.MustGet("userId").(string)
	blockedID := c.Param("userId")

	if blockedID == "" || blockedID == blockerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	if err := Engine.BlockUser(c.Request.Context(), blockerID, blockedID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": true})
}

// PresenceStatus reports coarse online state for one user, backed by the
// same TTL'd presence keys the socket layer refreshes.
func PresenceStatus(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	online := false
	if Presence != nil {
		online = Presence.IsOnline(c.Request.Context(), userID)
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "online": online})
}

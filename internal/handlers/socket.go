package handlers

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/nestbook/chat-backend/internal/database"
	"github.com/nestbook/chat-backend/internal/store"
	chatsync "github.com/nestbook/chat-backend/internal/sync"
	"github.com/nestbook/chat-backend/pkg/logger"
	"github.com/nestbook/chat-backend/pkg/utils"
)

var SocketServer *socketio.Server

// Presence is the presence store the socket layer refreshes online state in.
var Presence *store.PresenceStore

// One tab = one socket connection = one set of live handles. Closing the
// connection closes every handle, which clears outstanding typing signals.
type socketSession struct {
	userID string
	mu     sync.Mutex
	list   *chatsync.ListHandle
	convs  map[string]*chatsync.ConversationHandle
}

func (ss *socketSession) closeAll() {
	ss.mu.Lock()
	list := ss.list
	convs := ss.convs
	ss.list = nil
	ss.convs = nil
	ss.mu.Unlock()

	if list != nil {
		list.Close()
	}
	for _, h := range convs {
		h.Close()
	}
}

var (
	sessions   = make(map[string]*socketSession) // socket id -> session
	sessionsMu sync.RWMutex
)

func sessionFor(s socketio.Conn) *socketSession {
	sessionsMu.RLock()
	defer sessionsMu.RUnlock()
	return sessions[s.ID()]
}

// BroadcastPresenceUpdate pushes online/offline changes to everyone watching.
func BroadcastPresenceUpdate(userID string, isOnline bool) {
	if SocketServer != nil {
		SocketServer.BroadcastToRoom("/", "presence", "presence_update", map[string]interface{}{
			"userId":   userID,
			"isOnline": isOnline,
		})
	}
}

func InitSocketServer() *socketio.Server {
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
			&polling.Transport{
				CheckOrigin: func(r *http.Request) bool { return true },
			},
		},
	})

	server.OnConnect("/", func(s socketio.Conn) error {
		url := s.URL()
		token := url.Query().Get("token")
		if token == "" {
			return fmt.Errorf("authentication required")
		}
		claims, err := utils.ValidateToken(token)
		if err != nil {
			logger.Warn().Str("socket_id", s.ID()).Msg("socket rejected: invalid token")
			return fmt.Errorf("invalid token")
		}
		userID := claims.UserID
		s.SetContext(userID)

		ss := &socketSession{userID: userID, convs: make(map[string]*chatsync.ConversationHandle)}
		sessionsMu.Lock()
		sessions[s.ID()] = ss
		sessionsMu.Unlock()

		s.Join("presence")
		Presence.SetOnline(database.Ctx, userID, true)
		BroadcastPresenceUpdate(userID, true)

		// Every connected tab observes its own directory view.
		list := Engine.ObserveConversationList(database.Ctx, userID)
		ss.mu.Lock()
		ss.list = list
		ss.mu.Unlock()
		go pumpList(s, list)

		logger.Info().Str("socket_id", s.ID()).Str("user_id", userID).Msg("socket connected")
		return nil
	})

	server.OnEvent("/", "open_conversation", func(s socketio.Conn, conversationID string) {
		ss := sessionFor(s)
		if ss == nil {
			return
		}

		h, err := Engine.OpenConversation(database.Ctx, conversationID, ss.userID)
		if err != nil {
			s.Emit("conversation_error", map[string]interface{}{
				"conversationId": conversationID,
				"error":          err.Error(),
			})
			return
		}

		ss.mu.Lock()
		if prev, ok := ss.convs[conversationID]; ok {
			prev.Close()
		}
		ss.convs[conversationID] = h
		ss.mu.Unlock()

		go pumpConversation(s, h)
	})

	server.OnEvent("/", "close_conversation", func(s socketio.Conn, conversationID string) {
		ss := sessionFor(s)
		if ss == nil {
			return
		}
		ss.mu.Lock()
		h := ss.convs[conversationID]
		delete(ss.convs, conversationID)
		ss.mu.Unlock()
		if h != nil {
			h.Close()
		}
	})

	server.OnEvent("/", "typing", func(s socketio.Conn, data map[string]interface{}) {
		ss := sessionFor(s)
		if ss == nil {
			return
		}
		conversationID, _ := data["conversationId"].(string)
		isTyping, _ := data["isTyping"].(bool)
		if conversationID == "" {
			return
		}
		if err := Engine.SetTyping(database.Ctx, conversationID, ss.userID, isTyping); err != nil {
			logger.Conv(conversationID, "socket_typing").Warn().Err(err).Msg("typing rejected")
		}
	})

	server.OnEvent("/", "mark_read", func(s socketio.Conn, conversationID string) {
		ss := sessionFor(s)
		if ss == nil || conversationID == "" {
			return
		}
		if err := Engine.MarkRead(database.Ctx, conversationID, ss.userID); err != nil {
			logger.Conv(conversationID, "socket_mark_read").Warn().Err(err).Msg("mark read rejected")
		}
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		sessionsMu.Lock()
		ss := sessions[s.ID()]
		delete(sessions, s.ID())
		sessionsMu.Unlock()

		if ss == nil {
			return
		}
		ss.closeAll()
		Presence.SetOnline(database.Ctx, ss.userID, false)
		BroadcastPresenceUpdate(ss.userID, false)
		logger.Info().Str("socket_id", s.ID()).Str("reason", reason).Msg("socket closed")
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		logger.Warn().Err(e).Msg("socket error")
	})

	go server.Serve()
	SocketServer = server
	return server
}

func pumpList(s socketio.Conn, h *chatsync.ListHandle) {
	for {
		select {
		case ev := <-h.Events():
			s.Emit("conversation_list", map[string]interface{}{
				"conversations": ev.Conversations,
			})
		case <-h.Done():
			return
		}
	}
}

func pumpConversation(s socketio.Conn, h *chatsync.ConversationHandle) {
	conversationID := h.ConversationID()
	for {
		select {
		case ev := <-h.Events():
			switch ev.Kind {
			case chatsync.EventMessages:
				s.Emit("conversation_messages", map[string]interface{}{
					"conversationId": conversationID,
					"messages":       ev.Messages,
				})
			case chatsync.EventTyping:
				s.Emit("user_typing", map[string]interface{}{
					"conversationId": conversationID,
					"isTyping":       ev.Typing,
					"at":             time.Now().UTC(),
				})
			case chatsync.EventState:
				s.Emit("conversation_state", map[string]interface{}{
					"conversationId": conversationID,
					"state":          ev.State.String(),
				})
			}
		case <-h.Done():
			s.Emit("conversation_state", map[string]interface{}{
				"conversationId": conversationID,
				"state":          h.State().String(),
			})
			return
		}
	}
}

// SocketHandler wraps the socket.io server for gin.
func SocketHandler(server *socketio.Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		server.ServeHTTP(c.Writer, c.Request)
	}
}
